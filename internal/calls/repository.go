package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callscore-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements Store over database/sql (pgx stdlib driver).
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// Schema for the calls tables. Applied at startup via EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
	id                     UUID PRIMARY KEY,
	source                 TEXT NOT NULL,
	external_id            TEXT,
	contact_phone          TEXT NOT NULL DEFAULT '',
	call_date              TIMESTAMPTZ NOT NULL,
	duration_seconds       INT NOT NULL DEFAULT 0,
	recording_url          TEXT NOT NULL DEFAULT '',
	transcript             JSONB,
	status                 TEXT NOT NULL,
	error_message          TEXT NOT NULL DEFAULT '',
	overall_score          DOUBLE PRECISION,
	attribution_confidence DOUBLE PRECISION,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS calls_source_external_id
	ON calls (source, external_id) WHERE external_id <> '';
CREATE INDEX IF NOT EXISTS calls_call_date ON calls (call_date);
CREATE INDEX IF NOT EXISTS calls_status ON calls (status);

CREATE TABLE IF NOT EXISTS call_status_history (
	id          UUID PRIMARY KEY,
	call_id     UUID NOT NULL REFERENCES calls (id),
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_status_history_call_id ON call_status_history (call_id);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

const callColumns = `id, source, external_id, contact_phone, call_date, duration_seconds,
	recording_url, transcript, status, error_message, overall_score,
	attribution_confidence, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, c Call) (Call, error) {
	if !c.Source.Valid() {
		return Call{}, fmt.Errorf("%w: unknown source %q", ErrInvalidStatus, c.Source)
	}
	if err := InitialStatus(c.Status, len(c.Transcript) > 0); err != nil {
		return Call{}, err
	}

	now := s.clock().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	transcript, err := marshalTranscript(c.Transcript)
	if err != nil {
		return Call{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (`+callColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.Source, c.ExternalID, c.ContactPhone, c.CallDate.UTC(), c.DurationSeconds,
		c.RecordingURL, transcript, c.Status, c.ErrorMessage, c.OverallScore,
		c.AttributionConfidence, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Call{}, ErrDuplicateExternalID
		}
		return Call{}, err
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	return scanCall(row)
}

func (s *PostgresStore) FindBySourceExternalID(ctx context.Context, source Source, externalID string) (Call, bool, error) {
	if externalID == "" {
		return Call{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE source = $1 AND external_id = $2`,
		source, externalID)
	c, err := scanCall(row)
	if errors.Is(err, ErrNotFound) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (Call, error) {
	if err := ValidateUpdate(from, to, u); err != nil {
		return Call{}, err
	}

	now := s.clock().UTC()
	var out Call

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		errMsg := u.ErrorMessage
		if to == StatusScoring {
			// Entering scoring always clears any prior error.
			errMsg = ""
		}

		var res sql.Result
		var err error
		if len(u.Transcript) > 0 {
			transcript, merr := marshalTranscript(u.Transcript)
			if merr != nil {
				return merr
			}
			res, err = tx.ExecContext(ctx, `
				UPDATE calls
				SET status = $1, error_message = $2, overall_score = $3,
					transcript = $4, attribution_confidence = COALESCE($5, attribution_confidence),
					updated_at = $6
				WHERE id = $7 AND status = $8`,
				to, errMsg, u.OverallScore, transcript, u.AttributionConfidence, now, id, from)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE calls
				SET status = $1, error_message = $2, overall_score = $3, updated_at = $4
				WHERE id = $5 AND status = $6`,
				to, errMsg, u.OverallScore, now, id, from)
		}
		if err != nil {
			return err
		}
		if err := guardHit(ctx, tx, res, id); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, StatusChange{
			ID: uuid.NewString(), CallID: id, From: from, To: to,
			Note: u.ErrorMessage, CreatedAt: now,
		}); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
		out, err = scanCall(row)
		return err
	})
	return out, err
}

func (s *PostgresStore) SetErrorNote(ctx context.Context, id string, expect Status, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET error_message = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		msg, s.clock().UTC(), id, expect)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return staleOrMissing(ctx, s.db, id)
	}
	return nil
}

func (s *PostgresStore) ApplySwap(ctx context.Context, id string, from Status, segs []TranscriptSegment) (Call, error) {
	if len(segs) == 0 {
		return Call{}, fmt.Errorf("%w: swap-speakers requires a transcript", ErrInvalidStatus)
	}
	transcript, err := marshalTranscript(segs)
	if err != nil {
		return Call{}, err
	}

	now := s.clock().UTC()
	var out Call
	err = utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE calls
			SET status = $1, transcript = $2, overall_score = NULL,
				error_message = '', updated_at = $3
			WHERE id = $4 AND status = $5`,
			StatusScoring, transcript, now, id, from)
		if err != nil {
			return err
		}
		if err := guardHit(ctx, tx, res, id); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, StatusChange{
			ID: uuid.NewString(), CallID: id, From: from, To: StatusScoring,
			Note: "speakers swapped", CreatedAt: now,
		}); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
		out, err = scanCall(row)
		return err
	})
	return out, err
}

func (s *PostgresStore) FindDedupCandidates(ctx context.Context, from, to time.Time, excludeSource Source) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE call_date >= $1 AND call_date <= $2 AND source <> $3
		ORDER BY call_date`,
		from.UTC(), to.UTC(), excludeSource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *PostgresStore) ListRetryableFailures(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE status = $1 AND transcript IS NOT NULL
		ORDER BY updated_at
		LIMIT $2`,
		StatusError, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *PostgresStore) History(ctx context.Context, callID string) ([]StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, from_status, to_status, note, created_at
		FROM call_status_history WHERE call_id = $1 ORDER BY created_at`,
		callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.CallID, &h.From, &h.To, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func appendHistory(ctx context.Context, tx *sql.Tx, h StatusChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO call_status_history (id, call_id, from_status, to_status, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID, h.CallID, h.From, h.To, h.Note, h.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var externalID, contactPhone, recordingURL, errMsg sql.NullString
	var transcript []byte
	if err := row.Scan(
		&c.ID, &c.Source, &externalID, &contactPhone, &c.CallDate, &c.DurationSeconds,
		&recordingURL, &transcript, &c.Status, &errMsg, &c.OverallScore,
		&c.AttributionConfidence, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.ExternalID = externalID.String
	c.ContactPhone = contactPhone.String
	c.RecordingURL = recordingURL.String
	c.ErrorMessage = errMsg.String
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &c.Transcript); err != nil {
			return Call{}, fmt.Errorf("decode transcript for call %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]Call, error) {
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func marshalTranscript(segs []TranscriptSegment) ([]byte, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return b, nil
}

func guardHit(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleStatus
}

func staleOrMissing(ctx context.Context, db *sql.DB, id string) error {
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleStatus
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	// 23505 is unique_violation.
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
