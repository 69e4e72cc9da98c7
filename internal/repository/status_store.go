// Package repository adapts the teacher's GORM-backed status tracking into
// an operator-facing delivery audit trail for this domain: one row per
// QueueMessage, moving queued -> delivered | dead_lettered as the worker's
// retry engine resolves it. This is not read by the admission, idempotency,
// or retry path — pure enrichment over the teacher's own persistence
// concern (spec.md has no audit-log requirement; see DESIGN.md).
package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StatusQueued       = "queued"
	StatusDelivered    = "delivered"
	StatusDeadLettered = "dead_lettered"
)

// NotificationStatus is one audit row keyed by the QueueMessage ID.
type NotificationStatus struct {
	MessageID string `gorm:"primaryKey;column:message_id"`
	UserID    string `gorm:"column:user_id"`
	Channel   string `gorm:"column:channel"`
	Status    string `gorm:"column:status"`
	Provider  string `gorm:"column:provider"`
	Detail    string `gorm:"column:detail"`
	UpdatedAt time.Time
}

func (NotificationStatus) TableName() string { return "notification_statuses" }

type StatusStore struct {
	db          *gorm.DB
	logger      *slog.Logger
	callTimeout time.Duration
}

// NewStatusStore runs AutoMigrate once and returns a store bound to db, or
// nil if db is nil — callers treat a nil *StatusStore as "audit logging
// disabled" rather than special-casing every call site.
func NewStatusStore(db *gorm.DB, logger *slog.Logger, callTimeout time.Duration) *StatusStore {
	if db == nil {
		return nil
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	if err := db.AutoMigrate(&NotificationStatus{}); err != nil {
		logger.Error("failed to migrate notification_statuses table", slog.Any("error", err))
	}
	return &StatusStore{db: db, logger: logger, callTimeout: callTimeout}
}

// upsert inserts a new row or, on conflict, updates only status/provider/
// detail/updated_at — user_id and channel are identity fields set once by
// MarkQueued and must survive later MarkDelivered/MarkDeadLettered calls
// that don't carry them. Bounded by callTimeout so a stalled database never
// blocks the caller past §5's per-call timeout requirement — this store is
// enrichment-only, so a timeout here is simply logged and dropped.
func (s *StatusStore) upsert(ctx context.Context, row NotificationStatus) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	row.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "provider", "detail", "updated_at"}),
		}).Create(&row).Error
	if err != nil {
		s.logger.Error("failed to write notification status", slog.Any("error", err), slog.String("message_id", row.MessageID))
	}
}

// MarkQueued records that a message was durably published.
func (s *StatusStore) MarkQueued(ctx context.Context, messageID, userID, channel string) {
	if s == nil {
		return
	}
	s.upsert(ctx, NotificationStatus{MessageID: messageID, UserID: userID, Channel: channel, Status: StatusQueued})
}

// MarkDelivered records a successful sender invocation.
func (s *StatusStore) MarkDelivered(ctx context.Context, messageID, provider string) {
	if s == nil {
		return
	}
	s.upsert(ctx, NotificationStatus{MessageID: messageID, Status: StatusDelivered, Provider: provider})
}

// MarkDeadLettered records a terminal failure or retry exhaustion.
func (s *StatusStore) MarkDeadLettered(ctx context.Context, messageID, provider, detail string) {
	if s == nil {
		return
	}
	s.upsert(ctx, NotificationStatus{MessageID: messageID, Status: StatusDeadLettered, Provider: provider, Detail: detail})
}
