package webhook

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/sparlo/usage/internal/shared/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorLength = 1024

// Store persists idempotency records for provider events.
type Store interface {
	// Claim takes exclusive ownership of eventID. A failed record, or one left
	// processing for longer than the stale window, is claimed again.
	Claim(ctx context.Context, eventID, provider, eventType string) (*Event, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, cause error) error
	Get(ctx context.Context, eventID string) (*Event, error)
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithStaleAfter sets how long a processing claim is honored.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// Repository implements Store on gorm.
type Repository struct {
	db         *gorm.DB
	now        func() time.Time
	staleAfter time.Duration
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new webhook event repository.
func NewRepository(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now, staleAfter: 5 * time.Minute}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Claim(ctx context.Context, eventID, provider, eventType string) (*Event, error) {
	now := r.now().UTC()
	event := &Event{
		EventID:   eventID,
		Provider:  provider,
		EventType: eventType,
		Status:    StatusProcessing,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return nil, apperrors.Storage("claim webhook event", result.Error)
	}
	if result.RowsAffected == 1 {
		return event, nil
	}

	result = r.db.WithContext(ctx).
		Model(&Event{}).
		Where("event_id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			eventID, StatusFailed, StatusProcessing, now.Add(-r.staleAfter)).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, apperrors.Storage("reclaim webhook event", result.Error)
	}

	existing, err := r.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 1 {
		return existing, nil
	}
	if existing.Status == StatusCompleted {
		return existing, ErrDuplicateEvent
	}
	return existing, ErrEventInProgress
}

func (r *Repository) MarkCompleted(ctx context.Context, eventID string) error {
	now := r.now().UTC()
	return r.finish(ctx, eventID, "complete webhook event", map[string]any{
		"status":       StatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (r *Repository) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return r.finish(ctx, eventID, "fail webhook event", map[string]any{
		"status":     StatusFailed,
		"last_error": msg,
		"updated_at": r.now().UTC(),
	})
}

func (r *Repository) finish(ctx context.Context, eventID, op string, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&Event{}).
		Where("event_id = ?", eventID).
		Updates(updates)
	if result.Error != nil {
		return apperrors.Storage(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, eventID string) (*Event, error) {
	var event Event
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, apperrors.Storage("get webhook event", err)
	}
	return &event, nil
}

// AutoMigrate creates the webhook event schema with gorm.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Event{})
}
