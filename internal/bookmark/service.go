package bookmark

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

// CreateRequest describes the suspension point a bookmark records.
type CreateRequest struct {
	InstanceID    string
	ActivityID    string
	Type          schema.BookmarkType
	Key           string
	Payload       map[string]any
	DueAt         *time.Time
	CorrelationID string
}

// Service wraps the store's bookmark primitives with identity assignment and
// clock injection. All race-sensitive semantics live in the store; the
// service never adds locking of its own.
type Service struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a bookmark service.
func NewService(st store.Store, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, clock: clk, logger: logger}
}

// FindOrCreate returns the existing unconsumed bookmark with the same logical
// key, or creates a new one. The boolean reports whether a row was created,
// so callers can distinguish a fresh suspension from a crash-replayed one.
func (s *Service) FindOrCreate(ctx context.Context, req CreateRequest) (*store.Bookmark, bool, error) {
	if req.InstanceID == "" || req.ActivityID == "" || req.Key == "" {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "bookmark requires instance id, activity id and key")
	}
	if req.Type == "" {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "bookmark requires a type")
	}
	if req.Type == schema.BookmarkTimer && req.DueAt == nil {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "timer bookmark requires a due time")
	}

	bm := &store.Bookmark{
		ID:            uuid.NewString(),
		InstanceID:    req.InstanceID,
		ActivityID:    req.ActivityID,
		Type:          req.Type,
		Key:           req.Key,
		Payload:       req.Payload,
		DueAt:         req.DueAt,
		CorrelationID: req.CorrelationID,
		CreatedAt:     s.clock.Now(),
	}

	found, created, err := s.store.FindOrCreateBookmark(ctx, bm)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.DebugContext(ctx, "bookmark created",
			"bookmark_id", found.ID, "instance_id", found.InstanceID,
			"activity_id", found.ActivityID, "type", found.Type)
	}
	return found, created, nil
}

// ClaimNext atomically claims the next available bookmark of the given type
// for workerID, holding it for the lease duration. Returns nil when nothing
// is claimable.
func (s *Service) ClaimNext(ctx context.Context, typ schema.BookmarkType, workerID string, lease time.Duration) (*store.Bookmark, error) {
	now := s.clock.Now()
	return s.store.ClaimNextBookmark(ctx, typ, workerID, now, now.Add(lease))
}

// TryConsume marks the bookmark consumed if consumedBy is entitled to it.
// Losing the race returns false, never an error.
func (s *Service) TryConsume(ctx context.Context, id, consumedBy string) (bool, error) {
	return s.store.TryConsumeBookmark(ctx, id, consumedBy, s.clock.Now())
}

// ReleaseClaim abandons a claim so another worker can pick the bookmark up.
func (s *Service) ReleaseClaim(ctx context.Context, id, claimedBy string) (bool, error) {
	return s.store.ReleaseBookmarkClaim(ctx, id, claimedBy)
}

// Find returns the unconsumed bookmark for (instance, activity), or a
// NOT_FOUND error.
func (s *Service) Find(ctx context.Context, instanceID, activityID string) (*store.Bookmark, error) {
	return s.store.FindBookmark(ctx, instanceID, activityID)
}
