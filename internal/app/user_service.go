package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/session"
	"github.com/gameoverstudios/deeperhub/internal/user"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

// UserService implements the user.* operations over the user store.
// Deleting a user ends their sessions; channels they own stay open.
type UserService struct {
	store    user.Store
	sessions *session.Registry
	clock    domain.Clock
	logger   *slog.Logger
}

// NewUserService wires the user operations.
func NewUserService(store user.Store, sessions *session.Registry, clock domain.Clock, logger *slog.Logger) *UserService {
	return &UserService{store: store, sessions: sessions, clock: clock, logger: logger}
}

// Create registers a new user with a hashed password.
func (s *UserService) Create(ctx context.Context, req protocol.UserCreateRequest) (*protocol.UserInfo, error) {
	ctx, span := tracer.Start(ctx, "user.create")
	defer span.End()

	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password required: %w", domain.ErrInvalidPayload)
	}

	hash, err := user.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now().UTC()
	rec := user.Record{
		UserID:       uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user created",
		slog.String("user_id", rec.UserID),
		slog.String("username", rec.Username),
	)
	info := toUserInfo(rec)
	return &info, nil
}

// Get returns the public projection of one user.
func (s *UserService) Get(ctx context.Context, userID string) (*protocol.UserInfo, error) {
	rec, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	info := toUserInfo(*rec)
	return &info, nil
}

// Update applies the present fields and returns the updated projection.
func (s *UserService) Update(ctx context.Context, userID string, req protocol.UserUpdateRequest) (*protocol.UserInfo, error) {
	ctx, span := tracer.Start(ctx, "user.update")
	defer span.End()

	rec, err := s.store.Update(ctx, userID, user.Update{
		Email:    req.Email,
		Password: req.Password,
		IsActive: req.IsActive,
	})
	if err != nil {
		return nil, err
	}
	info := toUserInfo(*rec)
	return &info, nil
}

// Delete removes a user and invalidates every live session they hold.
func (s *UserService) Delete(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "user.delete")
	defer span.End()

	if err := s.store.Delete(ctx, userID); err != nil {
		return err
	}

	active, err := s.sessions.ListActive(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "list sessions after user delete failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	for _, sess := range active {
		if err := s.sessions.Invalidate(ctx, sess.SessionID, domain.SessionEndLogout); err != nil {
			s.logger.ErrorContext(ctx, "invalidate session after user delete failed",
				slog.String("session_id", sess.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// List returns the public projection of every user.
func (s *UserService) List(ctx context.Context) (*protocol.UserListResponse, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := protocol.UserListResponse{Users: make([]protocol.UserInfo, 0, len(recs))}
	for _, rec := range recs {
		out.Users = append(out.Users, toUserInfo(rec))
	}
	return &out, nil
}

func toUserInfo(rec user.Record) protocol.UserInfo {
	return protocol.UserInfo{
		UserID:    rec.UserID,
		Username:  rec.Username,
		Email:     rec.Email,
		IsActive:  rec.IsActive,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
