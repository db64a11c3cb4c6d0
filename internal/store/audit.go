package store

import (
	"context"
	"fmt"

	"realmd/internal/model"
)

// InsertAuditEntry appends one audit row. Satisfies audit.Inserter.
func (s *Store) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	changes, err := jsonValue(entry.Changes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor_id, action, resource_type, resource_id,
			changes, ip, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID,
		changes, entry.IP, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
