package sessionlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peerlink/safety/internal/models"
)

// Repository handles sessions and violation_reports rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogStart inserts a row when a pairing is established.
func (r *Repository) LogStart(ctx context.Context, s *models.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, local_user_id, remote_user_id, started_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.LocalUserID, s.RemoteUserID, s.StartedAt)
	return err
}

// LogEnd closes the session row. Ending an already-ended session keeps the first end time.
func (r *Repository) LogEnd(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2, end_reason = $3 WHERE id = $1 AND ended_at IS NULL`,
		sessionID, endedAt, reason)
	return err
}

// Get returns a session by id, or nil when it does not exist.
func (r *Repository) Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	var (
		s      models.Session
		reason *string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, local_user_id, remote_user_id, started_at, ended_at, end_reason FROM sessions WHERE id = $1`,
		sessionID).Scan(&s.ID, &s.LocalUserID, &s.RemoteUserID, &s.StartedAt, &s.EndedAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if reason != nil {
		s.EndReason = *reason
	}
	return &s, nil
}

// ListByUser returns the most recent sessions a user took part in.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, local_user_id, remote_user_id, started_at, ended_at, COALESCE(end_reason, '')
		 FROM sessions WHERE local_user_id = $1 OR remote_user_id = $1 ORDER BY started_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.LocalUserID, &s.RemoteUserID, &s.StartedAt, &s.EndedAt, &s.EndReason); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ClaimRating records that raterID rated sessionID. It reports false when they already had.
func (r *Repository) ClaimRating(ctx context.Context, sessionID uuid.UUID, raterID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO session_ratings (session_id, rater_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		sessionID, raterID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// InsertReport stores an AI violation, user report or capture escalation.
func (r *Repository) InsertReport(ctx context.Context, rep *models.ViolationReport) error {
	const q = `INSERT INTO violation_reports (session_id, user_id, reporter_id, type, severity, source, detail, confirmed, evidence_key)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
		RETURNING id, created_at`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, q, rep.SessionID, rep.UserID, rep.ReporterID, string(rep.Type), string(rep.Severity),
		rep.Source, rep.Detail, rep.Confirmed, rep.EvidenceKey).Scan(&id, &rep.CreatedAt)
	if err != nil {
		return err
	}
	rep.ID = id.String()
	return nil
}

// ConfirmReport marks a user report as confirmed by a moderator. It returns nil, nil if
// the report does not exist or was already confirmed.
func (r *Repository) ConfirmReport(ctx context.Context, reportID uuid.UUID) (*models.ViolationReport, error) {
	const q = `UPDATE violation_reports SET confirmed = TRUE WHERE id = $1 AND confirmed = FALSE
		RETURNING id, session_id, user_id, reporter_id, COALESCE(type, ''), COALESCE(severity, ''), source, detail, confirmed, evidence_key, created_at`
	rep, err := scanReport(r.pool.QueryRow(ctx, q, reportID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rep, err
}

// GetReport returns a report by id, or nil when it does not exist.
func (r *Repository) GetReport(ctx context.Context, reportID uuid.UUID) (*models.ViolationReport, error) {
	rep, err := scanReport(r.pool.QueryRow(ctx,
		`SELECT id, session_id, user_id, reporter_id, COALESCE(type, ''), COALESCE(severity, ''), source, detail, confirmed, evidence_key, created_at
		 FROM violation_reports WHERE id = $1`, reportID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rep, err
}

// SetEvidenceKey records where the evidence frame for a report was stored.
func (r *Repository) SetEvidenceKey(ctx context.Context, reportID uuid.UUID, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE violation_reports SET evidence_key = $2 WHERE id = $1`, reportID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListReportsByUser returns reports filed against a user, newest first.
func (r *Repository) ListReportsByUser(ctx context.Context, userID string) ([]models.ViolationReport, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, user_id, reporter_id, COALESCE(type, ''), COALESCE(severity, ''), source, detail, confirmed, evidence_key, created_at
		 FROM violation_reports WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ViolationReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rep)
	}
	return list, rows.Err()
}

func scanReport(row pgx.Row) (*models.ViolationReport, error) {
	var (
		rep     models.ViolationReport
		id      uuid.UUID
		vt, sev string
	)
	if err := row.Scan(&id, &rep.SessionID, &rep.UserID, &rep.ReporterID, &vt, &sev, &rep.Source, &rep.Detail,
		&rep.Confirmed, &rep.EvidenceKey, &rep.CreatedAt); err != nil {
		return nil, err
	}
	rep.ID = id.String()
	rep.Type = models.ViolationType(vt)
	rep.Severity = models.Severity(sev)
	return &rep, nil
}
