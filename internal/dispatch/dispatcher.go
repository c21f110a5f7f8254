// Package dispatch routes inbound envelopes to their handlers. One
// dispatcher serves every connection; per-connection ordering comes from
// the connection's single read loop, never from locking here.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/app"
	"github.com/gameoverstudios/deeperhub/internal/broker"
	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/errmap"
	"github.com/gameoverstudios/deeperhub/internal/security"
	"github.com/gameoverstudios/deeperhub/internal/session"
	"github.com/gameoverstudios/deeperhub/internal/ws"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

var (
	tracer = otel.Tracer("dispatch")
	meter  = otel.Meter("dispatch")
)

// Dispatcher implements ws.MessageHandler. Unauthenticated connections may
// only send auth and heartbeat; everything else requires a bound identity.
type Dispatcher struct {
	gate     *security.MessageGate
	anomaly  *security.AnomalyDetector
	auth     *app.AuthService
	users    *app.UserService
	broker   *broker.Broker
	sessions *session.Registry
	registry *ws.Registry
	clock    domain.Clock
	logger   *slog.Logger

	handled metric.Int64Counter
}

// Config holds dispatcher dependencies.
type Config struct {
	Gate     *security.MessageGate
	Anomaly  *security.AnomalyDetector
	Auth     *app.AuthService
	Users    *app.UserService
	Broker   *broker.Broker
	Sessions *session.Registry
	Registry *ws.Registry
	Clock    domain.Clock
	Logger   *slog.Logger
}

// New wires the dispatcher.
func New(cfg Config) *Dispatcher {
	handled, _ := meter.Int64Counter("messages_handled_total",
		metric.WithDescription("Inbound messages by type and outcome"))
	return &Dispatcher{
		gate:     cfg.Gate,
		anomaly:  cfg.Anomaly,
		auth:     cfg.Auth,
		users:    cfg.Users,
		broker:   cfg.Broker,
		sessions: cfg.Sessions,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		handled:  handled,
	}
}

// HandleMessage processes one complete inbound message.
func (d *Dispatcher) HandleMessage(ctx context.Context, c *ws.Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		d.sendError(ctx, c, "", fmt.Errorf("%w: %w", domain.ErrInvalidJSON, err))
		return
	}
	if env.Type == "" {
		d.sendError(ctx, c, env.Ref, domain.ErrInvalidJSON)
		return
	}

	ctx, span := tracer.Start(ctx, "dispatch."+env.Type)
	defer span.End()
	span.SetAttributes(attribute.String("message.type", env.Type))

	env, err = d.gate.Filter(ctx, env)
	if err != nil {
		d.count(ctx, env.Type, "denied")
		d.sendError(ctx, c, env.Ref, err)
		return
	}

	// Activity on any well-formed message keeps the session alive; a key
	// bursting past its traffic baseline is refused before routing.
	if userID, sessionID, ok := c.Identity(); ok {
		if err := d.anomaly.Observe(ctx, c.IP, userID); err != nil {
			d.count(ctx, env.Type, "denied")
			d.sendError(ctx, c, env.Ref, err)
			return
		}
		if err := d.sessions.Touch(ctx, sessionID.String()); err != nil {
			d.logger.DebugContext(ctx, "session touch failed",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := d.route(ctx, c, env); err != nil {
		d.count(ctx, env.Type, "error")
		d.sendError(ctx, c, env.Ref, err)
		return
	}
	d.count(ctx, env.Type, "ok")
}

func (d *Dispatcher) route(ctx context.Context, c *ws.Conn, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeAuth:
		return d.handleAuth(ctx, c, env)
	case protocol.TypeAuthRefresh:
		return d.handleRefresh(ctx, c, env)
	case protocol.TypeHeartbeat:
		return d.handleHeartbeat(c, env)
	}

	userID, sessionID, ok := c.Identity()
	if !ok {
		return domain.ErrUnauthorized
	}

	switch env.Type {
	case protocol.TypeEcho:
		return d.handleEcho(c, env)

	case protocol.TypeLogout:
		var req protocol.LogoutRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		if err := d.auth.Logout(ctx, sessionID.String(), req.AccessToken, req.RefreshToken); err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", map[string]string{"session_id": sessionID.String()}, env.Ref)

	case protocol.TypeUserCreate:
		var req protocol.UserCreateRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		info, err := d.users.Create(ctx, req)
		if err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", info, env.Ref)

	case protocol.TypeUserGet:
		var req protocol.UserGetRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		target := req.UserID
		if target == "" {
			target = userID.String()
		}
		info, err := d.users.Get(ctx, target)
		if err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", info, env.Ref)

	case protocol.TypeUserUpdate:
		var req protocol.UserUpdateRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		target := req.UserID
		if target == "" {
			target = userID.String()
		}
		if target != userID.String() {
			return fmt.Errorf("cannot update another user: %w", domain.ErrForbidden)
		}
		info, err := d.users.Update(ctx, target, req)
		if err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", info, env.Ref)

	case protocol.TypeUserDelete:
		var req protocol.UserGetRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		target := req.UserID
		if target == "" {
			target = userID.String()
		}
		if target != userID.String() {
			return fmt.Errorf("cannot delete another user: %w", domain.ErrForbidden)
		}
		if err := d.users.Delete(ctx, target); err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", map[string]string{"user_id": target}, env.Ref)

	case protocol.TypeUserList:
		list, err := d.users.List(ctx)
		if err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", list, env.Ref)

	case protocol.TypeChannelCreate:
		var req protocol.SubscribeRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		if req.Topic == "" {
			return fmt.Errorf("topic required: %w", domain.ErrInvalidPayload)
		}
		if err := d.broker.Create(req.Topic, userID); err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", map[string]string{"topic": req.Topic}, env.Ref)

	case protocol.TypeChannelSubscribe:
		var req protocol.SubscribeRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		if req.Topic == "" {
			return fmt.Errorf("topic required: %w", domain.ErrInvalidPayload)
		}
		if err := d.broker.Subscribe(req.Topic, c, broker.Selector(req.Selector)); err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", map[string]string{"topic": req.Topic}, env.Ref)

	case protocol.TypeChannelUnsubscribe:
		var req protocol.SubscribeRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		d.broker.Unsubscribe(req.Topic, c.SubscriberID())
		return d.reply(c, env.Type+".response", map[string]string{"topic": req.Topic}, env.Ref)

	case protocol.TypeChannelPublish:
		var req protocol.PublishRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		if req.Topic == "" || len(req.Content) == 0 {
			return fmt.Errorf("topic and content required: %w", domain.ErrInvalidPayload)
		}
		priority := domain.Priority(req.Priority)
		if req.Priority == "" {
			priority = domain.PriorityNormal
		}
		if !domain.IsValidPriority(priority) {
			return fmt.Errorf("priority %q: %w", req.Priority, domain.ErrInvalidPayload)
		}
		payload, err := json.Marshal(map[string]json.RawMessage{"content": req.Content})
		if err != nil {
			return fmt.Errorf("encode broadcast payload: %w", err)
		}
		id, err := d.broker.Publish(ctx, req.Topic, payload, priority)
		if err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", protocol.PublishResponse{MessageID: id.String()}, env.Ref)

	case protocol.TypeChannelList:
		return d.reply(c, env.Type+".response", map[string]any{"channels": d.broker.List()}, env.Ref)

	case protocol.TypeChannelRemove:
		var req protocol.SubscribeRequest
		if err := env.ParsePayload(&req); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		if err := d.broker.Remove(req.Topic, userID); err != nil {
			return err
		}
		return d.reply(c, env.Type+".response", map[string]string{"topic": req.Topic}, env.Ref)

	default:
		return fmt.Errorf("type %q: %w", env.Type, domain.ErrUnknownType)
	}
}

// handleAuth runs the credential or token login flow and binds the
// connection on success. Failures answer with auth.failure instead of the
// generic error envelope.
func (d *Dispatcher) handleAuth(ctx context.Context, c *ws.Conn, env protocol.Envelope) error {
	var req protocol.AuthRequest
	if err := env.ParsePayload(&req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
	}

	var (
		result *app.LoginResult
		err    error
	)
	switch {
	case req.Token != "":
		result, err = d.auth.TokenLogin(ctx, req.Token, c.IP, "", nil)
	case req.Username != "" && req.Password != "":
		result, err = d.auth.Login(ctx, app.LoginParams{
			Username: req.Username,
			Password: req.Password,
			Remember: req.Remember,
			IP:       c.IP,
		})
	default:
		err = fmt.Errorf("credentials or token required: %w", domain.ErrInvalidPayload)
	}
	if err != nil {
		d.count(ctx, env.Type, "failure")
		failure, buildErr := protocol.NewEnvelope(protocol.TypeAuthFailure, errmap.Payload(err), env.Ref)
		if buildErr != nil {
			return buildErr
		}
		d.send(ctx, c, failure)
		return nil
	}

	uid, parseErr := domain.NewUserID(result.UserID)
	if parseErr != nil {
		return fmt.Errorf("login returned bad user id: %w", domain.ErrInternal)
	}
	sid, parseErr := domain.NewSessionID(result.SessionID)
	if parseErr != nil {
		return fmt.Errorf("login returned bad session id: %w", domain.ErrInternal)
	}
	c.Authenticate(uid, sid)
	d.registry.Bind(c, uid)

	return d.reply(c, protocol.TypeAuthSuccess, protocol.AuthSuccess{
		UserID:       result.UserID,
		SessionID:    result.SessionID,
		AccessToken:  result.Pair.AccessToken,
		RefreshToken: result.Pair.RefreshToken,
		ExpiresInS:   d.auth.AccessTTL(),
	}, env.Ref)
}

// handleRefresh rotates a refresh token into a new pair. The request
// carries its own credential, so no bound identity is required; a revoked
// or expired token answers with the generic error envelope.
func (d *Dispatcher) handleRefresh(ctx context.Context, c *ws.Conn, env protocol.Envelope) error {
	var req protocol.RefreshRequest
	if err := env.ParsePayload(&req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
	}
	if req.RefreshToken == "" {
		return fmt.Errorf("refresh_token required: %w", domain.ErrInvalidPayload)
	}

	result, err := d.auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return err
	}
	return d.reply(c, env.Type+".response", protocol.RefreshResponse{
		UserID:       result.UserID,
		AccessToken:  result.Pair.AccessToken,
		RefreshToken: result.Pair.RefreshToken,
		ExpiresInS:   d.auth.AccessTTL(),
	}, env.Ref)
}

// handleEcho reflects the request payload with a server timestamp added.
func (d *Dispatcher) handleEcho(c *ws.Conn, env protocol.Envelope) error {
	fields := map[string]any{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &fields); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
	}
	fields["timestamp"] = d.clock.Now().UTC().Format(time.RFC3339)
	return d.reply(c, protocol.TypeEchoResponse, fields, env.Ref)
}

// handleHeartbeat answers immediately with the server clock.
func (d *Dispatcher) handleHeartbeat(c *ws.Conn, env protocol.Envelope) error {
	return d.reply(c, protocol.TypeHeartbeat, map[string]int64{
		"server_time_ms": domain.NowUTCMillis(d.clock),
	}, env.Ref)
}

// ConnectionClosed releases everything a connection held. The server calls
// it after the worker exits.
func (d *Dispatcher) ConnectionClosed(c *ws.Conn) {
	d.broker.UnsubscribeAll(c.SubscriberID())
	d.registry.Remove(c)
}

func (d *Dispatcher) reply(c *ws.Conn, envType string, payload any, ref string) error {
	env, err := protocol.NewEnvelope(envType, payload, ref)
	if err != nil {
		return fmt.Errorf("encode %s: %w", envType, err)
	}
	d.send(context.Background(), c, env)
	return nil
}

func (d *Dispatcher) sendError(ctx context.Context, c *ws.Conn, ref string, err error) {
	env, buildErr := protocol.NewEnvelope(protocol.TypeError, errmap.Payload(err), ref)
	if buildErr != nil {
		d.logger.ErrorContext(ctx, "encode error envelope failed",
			slog.String("error", buildErr.Error()))
		return
	}
	d.send(ctx, c, env)
}

// send pushes an envelope to the connection mailbox. A drop here only
// affects this subscriber and is already counted by the connection.
func (d *Dispatcher) send(ctx context.Context, c *ws.Conn, env protocol.Envelope) {
	if err := c.Send(env); err != nil {
		d.logger.DebugContext(ctx, "reply dropped",
			slog.String("connection_id", c.ID.String()),
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) count(ctx context.Context, msgType, outcome string) {
	d.handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("outcome", outcome),
	))
}
