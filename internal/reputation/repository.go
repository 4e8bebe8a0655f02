package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peerlink/safety/internal/models"
)

// ErrVersionConflict means the record changed since it was read.
var ErrVersionConflict = errors.New("reputation record version conflict")

// Store persists reputation records. Get returns nil, nil when the user is unknown.
// Save must reject a record whose Version differs from the stored one with
// ErrVersionConflict, and bump Version on success.
type Store interface {
	Get(ctx context.Context, userID string) (*models.ReputationRecord, error)
	Save(ctx context.Context, rec *models.ReputationRecord, newHistory []models.ScoreChange) error
}

// Repository is the PostgreSQL profile store for reputation records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a reputation repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads the record and its full audit trail.
func (r *Repository) Get(ctx context.Context, userID string) (*models.ReputationRecord, error) {
	const q = `SELECT user_id, current_score, tier, total_calls, completed_calls, skipped_calls,
		reports_received, reports_confirmed, respectful_ratings, avg_call_duration_seconds, badges, version, updated_at
		FROM reputation_records WHERE user_id = $1`
	var (
		rec    models.ReputationRecord
		tier   string
		badges []string
	)
	err := r.pool.QueryRow(ctx, q, userID).Scan(&rec.UserID, &rec.CurrentScore, &tier, &rec.TotalCalls,
		&rec.CompletedCalls, &rec.SkippedCalls, &rec.ReportsReceived, &rec.ReportsConfirmed,
		&rec.RespectfulRatings, &rec.AverageCallDurationSeconds, &badges, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reputation: %w", err)
	}
	rec.Tier = models.Tier(tier)
	rec.Badges = make(map[string]bool, len(badges))
	for _, b := range badges {
		rec.Badges[b] = true
	}

	rows, err := r.pool.Query(ctx,
		`SELECT created_at, change, reason, detail, from_user_id FROM score_changes WHERE user_id = $1 ORDER BY id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list score changes: %w", err)
	}
	defer rows.Close()
	rec.History = []models.ScoreChange{}
	for rows.Next() {
		var (
			c      models.ScoreChange
			detail *string
			from   *string
		)
		if err := rows.Scan(&c.Timestamp, &c.Change, &c.Reason, &detail, &from); err != nil {
			return nil, err
		}
		if detail != nil {
			c.Detail = *detail
		}
		if from != nil {
			c.FromUserID = *from
		}
		rec.History = append(rec.History, c)
	}
	return &rec, rows.Err()
}

// Save writes the record with an optimistic version check and appends the new audit rows
// in the same transaction.
func (r *Repository) Save(ctx context.Context, rec *models.ReputationRecord, newHistory []models.ScoreChange) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	badges := make([]string, 0, len(rec.Badges))
	for b, ok := range rec.Badges {
		if ok {
			badges = append(badges, b)
		}
	}

	var tag pgconn.CommandTag
	if rec.Version == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO reputation_records (user_id, current_score, tier, total_calls, completed_calls, skipped_calls,
				reports_received, reports_confirmed, respectful_ratings, avg_call_duration_seconds, badges, version, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
			 ON CONFLICT (user_id) DO NOTHING`,
			rec.UserID, rec.CurrentScore, string(rec.Tier), rec.TotalCalls, rec.CompletedCalls, rec.SkippedCalls,
			rec.ReportsReceived, rec.ReportsConfirmed, rec.RespectfulRatings, rec.AverageCallDurationSeconds, badges, rec.UpdatedAt)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE reputation_records SET current_score = $3, tier = $4, total_calls = $5, completed_calls = $6,
				skipped_calls = $7, reports_received = $8, reports_confirmed = $9, respectful_ratings = $10,
				avg_call_duration_seconds = $11, badges = $12, version = version + 1, updated_at = $13
			 WHERE user_id = $1 AND version = $2`,
			rec.UserID, rec.Version, rec.CurrentScore, string(rec.Tier), rec.TotalCalls, rec.CompletedCalls,
			rec.SkippedCalls, rec.ReportsReceived, rec.ReportsConfirmed, rec.RespectfulRatings,
			rec.AverageCallDurationSeconds, badges, rec.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("save reputation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	for _, c := range newHistory {
		if _, err := tx.Exec(ctx,
			`INSERT INTO score_changes (user_id, change, reason, detail, from_user_id, created_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
			rec.UserID, c.Change, c.Reason, c.Detail, c.FromUserID, c.Timestamp); err != nil {
			return fmt.Errorf("insert score change: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	rec.Version++
	return nil
}

// ListScores returns current scores for the given users; unknown users are omitted.
func (r *Repository) ListScores(ctx context.Context, userIDs []string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, current_score FROM reputation_records WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int, len(userIDs))
	for rows.Next() {
		var (
			id    string
			score int
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out[id] = score
	}
	return out, rows.Err()
}
