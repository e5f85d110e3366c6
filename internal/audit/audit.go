package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

// Sink records operator actions. Recording is best effort: a failed append
// is logged and never blocks the action it describes.
type Sink struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// NewSink wires the audit trail.
func NewSink(repo repository.AuditRepository, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{repo: repo, logger: logger}
}

// Record appends one audit entry for an operator action.
func (s *Sink) Record(ctx context.Context, actor domain.User, action, resourceType, resourceID, details string) {
	entry := &domain.AuditEntry{
		ID:           uuid.NewString(),
		UserID:       actor.ID,
		UserEmail:    actor.Email,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("append audit entry", "action", action, "resource_id", resourceID, "error", err)
	}
}

// List returns recent entries, newest first, optionally scoped to a user.
func (s *Sink) List(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListAudits(ctx, userID, limit)
}
