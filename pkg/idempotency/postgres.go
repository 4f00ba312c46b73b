package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a single table, relying on Postgres for
// claim atomicity: one INSERT ... ON CONFLICT DO UPDATE ... WHERE statement
// either takes ownership or touches nothing.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Allow tuning the maximum connections via environment variable to avoid exhausting Postgres.
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, errConv := strconv.Atoi(v); errConv == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// InitSchema creates the necessary table.
func (p *Postgres) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS idempotency_records (
        fingerprint TEXT PRIMARY KEY,
        state TEXT NOT NULL DEFAULT 'PENDING',
        result_ref TEXT,
        posted BOOLEAN NOT NULL DEFAULT FALSE,
        owner TEXT,
        attempts INTEGER NOT NULL DEFAULT 0,
        last_error TEXT,
        lease_expires_at TIMESTAMPTZ,
        last_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_idempotency_state ON idempotency_records (state);
    `
	_, err := p.pool.Exec(ctx, schema)
	return err
}

const recordColumns = `fingerprint, state, COALESCE(result_ref, ''), posted, COALESCE(owner, ''),
              attempts, COALESCE(last_error, ''), lease_expires_at, last_updated_at`

func (p *Postgres) Claim(ctx context.Context, fingerprint, owner string, lease time.Duration) (ClaimResult, error) {
	query := `
        INSERT INTO idempotency_records (fingerprint, state, owner, attempts, lease_expires_at, last_updated_at)
        VALUES ($1, 'IN_PROGRESS', $2, 1, NOW() + make_interval(secs => $3), NOW())
        ON CONFLICT (fingerprint) DO UPDATE
        SET state = 'IN_PROGRESS',
            owner = $2,
            attempts = idempotency_records.attempts + 1,
            lease_expires_at = NOW() + make_interval(secs => $3),
            last_updated_at = NOW()
        WHERE idempotency_records.state = 'PENDING'
           OR (idempotency_records.state = 'IN_PROGRESS' AND idempotency_records.lease_expires_at <= NOW())
        RETURNING ` + recordColumns
	rec, err := p.scanRecord(p.pool.QueryRow(ctx, query, fingerprint, owner, lease.Seconds()))
	if err == nil {
		return ClaimResult{Won: true, Record: rec}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", fingerprint, err)
	}

	// Lost the claim: the row exists and is owned or terminal. Read it so the
	// caller can decide what the duplicate delivery means.
	rec, ok, err := p.Get(ctx, fingerprint)
	if err != nil {
		return ClaimResult{}, err
	}
	if !ok {
		return ClaimResult{}, fmt.Errorf("claim %s: record vanished after conflict", fingerprint)
	}
	return ClaimResult{Won: false, Record: rec}, nil
}

func (p *Postgres) SaveResult(ctx context.Context, fingerprint, owner, resultRef string) error {
	tag, err := p.pool.Exec(ctx, `
        UPDATE idempotency_records
        SET result_ref = $3, last_updated_at = NOW()
        WHERE fingerprint = $1 AND owner = $2 AND state = 'IN_PROGRESS'`,
		fingerprint, owner, resultRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

func (p *Postgres) Finish(ctx context.Context, fingerprint, owner string, state State, resultRef, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("finish %s: %s is not a terminal state", fingerprint, state)
	}
	tag, err := p.pool.Exec(ctx, `
        UPDATE idempotency_records
        SET state = $3,
            result_ref = COALESCE(NULLIF($4, ''), result_ref),
            posted = TRUE,
            last_error = NULLIF($5, ''),
            owner = NULL,
            lease_expires_at = NULL,
            last_updated_at = NOW()
        WHERE fingerprint = $1 AND owner = $2 AND state = 'IN_PROGRESS'`,
		fingerprint, owner, string(state), resultRef, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

func (p *Postgres) MarkPosted(ctx context.Context, fingerprint string) error {
	_, err := p.pool.Exec(ctx, `
        UPDATE idempotency_records
        SET posted = TRUE, last_updated_at = NOW()
        WHERE fingerprint = $1 AND state IN ('COMPLETED', 'FAILED')`,
		fingerprint)
	return err
}

func (p *Postgres) Release(ctx context.Context, fingerprint, owner, reason string) error {
	tag, err := p.pool.Exec(ctx, `
        UPDATE idempotency_records
        SET state = 'PENDING',
            owner = NULL,
            lease_expires_at = NULL,
            last_error = NULLIF($3, ''),
            last_updated_at = NOW()
        WHERE fingerprint = $1 AND owner = $2 AND state = 'IN_PROGRESS'`,
		fingerprint, owner, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLostClaim
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, fingerprint string) (Record, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM idempotency_records WHERE fingerprint = $1`, fingerprint)
	rec, err := p.scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// DeleteExpired removes terminal records older than the retention window.
// Only the janitor calls this; the core never deletes records.
func (p *Postgres) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
        DELETE FROM idempotency_records
        WHERE state IN ('COMPLETED', 'FAILED')
          AND last_updated_at < NOW() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var state string
	var leaseExpiresAt sql.NullTime
	err := row.Scan(
		&rec.Fingerprint, &state, &rec.ResultRef, &rec.Posted, &rec.Owner,
		&rec.Attempts, &rec.LastError, &leaseExpiresAt, &rec.LastUpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	if leaseExpiresAt.Valid {
		rec.LeaseExpiresAt = leaseExpiresAt.Time
	}
	return rec, nil
}
