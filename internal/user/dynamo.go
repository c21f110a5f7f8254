package user

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/dynamo"
)

var tracer = otel.Tracer("user")

// userDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the user store.
type userDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
}

// userItem is the DynamoDB item shape for the users table.
type userItem struct {
	UserID       string `dynamodbav:"user_id"`
	Username     string `dynamodbav:"username"`
	Email        string `dynamodbav:"email"`
	PasswordHash string `dynamodbav:"password_hash"`
	IsActive     bool   `dynamodbav:"is_active"`
	CreatedAt    int64  `dynamodbav:"created_at"`
	UpdatedAt    int64  `dynamodbav:"updated_at"`
}

func toUserItem(r Record) userItem {
	return userItem{
		UserID:       r.UserID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt.UTC().UnixMilli(),
		UpdatedAt:    r.UpdatedAt.UTC().UnixMilli(),
	}
}

func fromUserItem(item userItem) Record {
	return Record{
		UserID:       item.UserID,
		Username:     item.Username,
		Email:        item.Email,
		PasswordHash: item.PasswordHash,
		IsActive:     item.IsActive,
		CreatedAt:    domain.FromMillis(item.CreatedAt),
		UpdatedAt:    domain.FromMillis(item.UpdatedAt),
	}
}

// DynamoStore persists user records in DynamoDB, with a username-index GSI
// for login lookups.
type DynamoStore struct {
	db        userDynamoDB
	tableName string
	indexName string
	clock     domain.Clock
}

// NewDynamoStore creates a DynamoStore backed by the given DynamoDB client.
func NewDynamoStore(db userDynamoDB, tableName string, clock domain.Clock) *DynamoStore {
	return &DynamoStore{
		db:        db,
		tableName: tableName,
		indexName: "username-index",
		clock:     clock,
	}
}

// Create implements Store.
func (s *DynamoStore) Create(ctx context.Context, rec Record) error {
	ctx, span := tracer.Start(ctx, "dynamo.users.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(toUserItem(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: marshal user: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: dynamo.String("attribute_not_exists(user_id)"),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("user store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: create: %w", err)
	}

	return nil
}

// GetByID implements Store.
func (s *DynamoStore) GetByID(ctx context.Context, userID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.get_by_id")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: get by id: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user store: get by id: %w", domain.ErrUserNotFound)
	}

	var item userItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("user store: unmarshal user: %w", err)
	}
	rec := fromUserItem(item)
	return &rec, nil
}

// GetByUsername implements Store via the username-index GSI.
func (s *DynamoStore) GetByUsername(ctx context.Context, username string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.get_by_username")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: dynamo.String("username = :u"),
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":u": &dynamo.AttributeValueMemberS{Value: username},
		},
		Limit: func() *int32 { v := int32(1); return &v }(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: get by username: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("user store: get by username: %w", domain.ErrUserNotFound)
	}

	var item userItem
	if err := dynamo.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("user store: unmarshal user: %w", err)
	}
	rec := fromUserItem(item)
	return &rec, nil
}

// Update implements Store with read-modify-write; the hub is the only
// writer for these rows.
func (s *DynamoStore) Update(ctx context.Context, userID string, upd Update) (*Record, error) {
	rec, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.Email != nil {
		rec.Email = *upd.Email
	}
	if upd.Password != nil {
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return nil, err
		}
		rec.PasswordHash = hash
	}
	if upd.IsActive != nil {
		rec.IsActive = *upd.IsActive
	}
	rec.UpdatedAt = s.clock.Now().UTC()

	ctx, span := tracer.Start(ctx, "dynamo.users.update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(toUserItem(*rec))
	if err != nil {
		return nil, fmt.Errorf("user store: marshal user: %w", err)
	}
	if _, err := s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: update: %w", err)
	}

	return rec, nil
}

// Delete implements Store.
func (s *DynamoStore) Delete(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "dynamo.users.delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "DeleteItem"),
	)

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: delete: %w", err)
	}

	return nil
}

// List implements Store with a table scan.
func (s *DynamoStore) List(ctx context.Context) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	out, err := s.db.Scan(ctx, &dynamo.ScanInput{TableName: &s.tableName})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: list: %w", err)
	}

	users := make([]Record, 0, len(out.Items))
	for _, raw := range out.Items {
		var item userItem
		if err := dynamo.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("user store: unmarshal user: %w", err)
		}
		users = append(users, fromUserItem(item))
	}
	return users, nil
}

// Ensure implementations satisfy the interface at compile time.
var _ Store = (*DynamoStore)(nil)
