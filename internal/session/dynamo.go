package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/dynamo"
)

var tracer = otel.Tracer("session")

// sessionDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the session store. The *dynamodb.Client satisfies
// this interface.
type sessionDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
}

// sessionItem is the DynamoDB item shape for the sessions table.
type sessionItem struct {
	SessionID      string            `dynamodbav:"session_id"`
	UserID         string            `dynamodbav:"user_id"`
	DeviceInfo     map[string]string `dynamodbav:"device_info"`
	IP             string            `dynamodbav:"ip"`
	UserAgent      string            `dynamodbav:"user_agent"`
	Persistent     bool              `dynamodbav:"persistent"`
	CreatedAt      int64             `dynamodbav:"created_at"`
	LastActivityAt int64             `dynamodbav:"last_activity_at"`
	ExpiresAt      int64             `dynamodbav:"expires_at"`
	TTL            int64             `dynamodbav:"ttl"`
}

func toSessionItem(r Record) sessionItem {
	return sessionItem{
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		DeviceInfo:     r.DeviceInfo,
		IP:             r.IP,
		UserAgent:      r.UserAgent,
		Persistent:     r.Persistent,
		CreatedAt:      r.CreatedAt.UTC().UnixMilli(),
		LastActivityAt: r.LastActivityAt.UTC().UnixMilli(),
		ExpiresAt:      r.ExpiresAt.UTC().UnixMilli(),
		TTL:            r.ExpiresAt.UTC().Unix(),
	}
}

func fromSessionItem(item sessionItem) Record {
	return Record{
		SessionID:      item.SessionID,
		UserID:         item.UserID,
		DeviceInfo:     item.DeviceInfo,
		IP:             item.IP,
		UserAgent:      item.UserAgent,
		Persistent:     item.Persistent,
		CreatedAt:      domain.FromMillis(item.CreatedAt),
		LastActivityAt: domain.FromMillis(item.LastActivityAt),
		ExpiresAt:      domain.FromMillis(item.ExpiresAt),
	}
}

// DynamoStore persists session records in DynamoDB. The DDB TTL attribute
// mirrors expires_at, but expiry is enforced by the registry because DDB TTL
// deletion is eventually consistent.
type DynamoStore struct {
	db        sessionDynamoDB
	tableName string
	indexName string
}

// NewDynamoStore creates a DynamoStore backed by the given DynamoDB client.
func NewDynamoStore(db sessionDynamoDB, tableName string) *DynamoStore {
	return &DynamoStore{
		db:        db,
		tableName: tableName,
		indexName: "user_sessions-index",
	}
}

// Create implements Store.
// Returns domain.ErrAlreadyExists if the session ID is already present.
func (s *DynamoStore) Create(ctx context.Context, rec Record) error {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(toSessionItem(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: marshal session: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: dynamo.String("attribute_not_exists(session_id)"),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("session store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: create: %w", err)
	}

	return nil
}

// Get implements Store with a strongly consistent read.
func (s *DynamoStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"session_id": &dynamo.AttributeValueMemberS{Value: sessionID},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("session store: get: %w", domain.ErrSessionNotFound)
	}

	var item sessionItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("session store: unmarshal session: %w", err)
	}
	rec := fromSessionItem(item)
	return &rec, nil
}

// ListByUser implements Store via the user_sessions-index GSI.
func (s *DynamoStore) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.list_by_user")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: dynamo.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":uid": &dynamo.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("session store: list by user: %w", err)
	}

	return unmarshalSessions(out.Items)
}

// Touch implements Store.
func (s *DynamoStore) Touch(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) error {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.touch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"session_id": &dynamo.AttributeValueMemberS{Value: sessionID},
		},
		ConditionExpression: dynamo.String("attribute_exists(session_id)"),
		UpdateExpression:    dynamo.String("SET last_activity_at = :la, expires_at = :ea, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":la":  &dynamo.AttributeValueMemberN{Value: fmt.Sprintf("%d", lastActivity.UTC().UnixMilli())},
			":ea":  &dynamo.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt.UTC().UnixMilli())},
			":ttl": &dynamo.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt.UTC().Unix())},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("session store: touch: %w", domain.ErrSessionNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: touch: %w", err)
	}

	return nil
}

// Delete implements Store. Deleting a missing session is a no-op.
func (s *DynamoStore) Delete(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "DeleteItem"),
	)

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"session_id": &dynamo.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: delete: %w", err)
	}

	return nil
}

// All implements Store with a table scan; used only by the sweep.
func (s *DynamoStore) All(ctx context.Context) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	out, err := s.db.Scan(ctx, &dynamo.ScanInput{TableName: &s.tableName})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("session store: scan: %w", err)
	}

	return unmarshalSessions(out.Items)
}

func unmarshalSessions(items []map[string]dynamo.AttributeValue) ([]Record, error) {
	sessions := make([]Record, 0, len(items))
	for _, raw := range items {
		var item sessionItem
		if err := dynamo.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("session store: unmarshal session: %w", err)
		}
		sessions = append(sessions, fromSessionItem(item))
	}
	return sessions, nil
}

// Ensure implementations satisfy the interface at compile time.
var _ Store = (*DynamoStore)(nil)
