package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/db"
)

// RelatedSessionRepository handles database operations for auxiliary agent
// sessions attached to nodes
type RelatedSessionRepository struct {
	db *db.DB
}

// NewRelatedSessionRepository creates a new related-session repository
func NewRelatedSessionRepository(database *db.DB) *RelatedSessionRepository {
	return &RelatedSessionRepository{db: database}
}

const relatedSessionColumns = `id, node_id, blueprint_id, session_id, type, started_at, completed_at`

// Create inserts a new related-session row
func (r *RelatedSessionRepository) Create(ctx context.Context, s *models.RelatedSession) error {
	s.ID = uuid.NewString()
	s.StartedAt = models.NowISO()

	query := `
		INSERT INTO related_sessions (id, node_id, blueprint_id, session_id, type, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, s.ID, s.NodeID, s.BlueprintID, s.SessionID, s.Type, s.StartedAt)
	if err != nil {
		return fmt.Errorf("create related session: %w", translate(err))
	}
	return nil
}

// Complete stamps completedAt
func (r *RelatedSessionRepository) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE related_sessions SET completed_at = ? WHERE id = ?`,
		models.NowISO(), id,
	)
	return translate(err)
}

// ListForNode returns a node's related sessions in start order
func (r *RelatedSessionRepository) ListForNode(ctx context.Context, nodeID string) ([]*models.RelatedSession, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+relatedSessionColumns+` FROM related_sessions WHERE node_id = ? ORDER BY started_at ASC, id ASC`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list related sessions: %w", translate(err))
	}
	defer rows.Close()

	out := []*models.RelatedSession{}
	for rows.Next() {
		s := &models.RelatedSession{}
		err := rows.Scan(&s.ID, &s.NodeID, &s.BlueprintID, &s.SessionID, &s.Type, &s.StartedAt, &s.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan related session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
