package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// PostgresStore persists permissions in PostgreSQL for multi-node
// deployments. The CAS semantics are identical to the SQLite store: a
// guarded UPDATE whose WHERE clause pins the expected status.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing handle. Migration is left to the
// deployment (see MigratePostgres).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// MigratePostgres creates the schema if it does not exist.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		scope JSONB NOT NULL,
		conditions JSONB NOT NULL,
		metadata JSONB NOT NULL,
		granted_at TEXT NOT NULL,
		revoked_at TEXT,
		expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_user_type_status
		ON permissions (user_id, type, status);

	CREATE TABLE IF NOT EXISTS permission_audit (
		permission_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		entry JSONB NOT NULL,
		PRIMARY KEY (permission_id, seq)
	);`
	_, err := db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, p *contracts.Permission) error {
	scopeJSON, _ := json.Marshal(p.Scope)
	condsJSON, _ := json.Marshal(p.Conditions)
	metaJSON, _ := json.Marshal(p.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (id, user_id, agent_id, type, status, scope, conditions, metadata, granted_at, revoked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.UserID, p.AgentID, string(p.Type), string(p.Status),
		string(scopeJSON), string(condsJSON), string(metaJSON),
		fmtTime(p.GrantedAt), fmtTimePtr(p.RevokedAt), fmtTimePtr(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert permission %s: %w", p.ID, err)
	}

	for i, entry := range p.AuditLog {
		if err := s.insertAudit(ctx, p.ID, i+1, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.Permission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	p, err := scanPermission(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAudit(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, userID string, permType contracts.PermissionType) ([]*contracts.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = $1 AND type = $2 AND status = $3 ORDER BY seq`,
		userID, string(permType), string(contracts.StatusActive))
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status contracts.PermissionStatus) ([]*contracts.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE status = $1 ORDER BY seq`,
		string(status))
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expect, next contracts.PermissionStatus, stamp time.Time) error {
	if expect.Terminal() {
		return fmt.Errorf("%w: cannot transition out of terminal status %s", contracts.ErrStatusConflict, expect)
	}

	var revokedAt, grantedAt any
	if next == contracts.StatusRevoked {
		revokedAt = fmtTime(stamp)
	}
	if next == contracts.StatusActive {
		grantedAt = fmtTime(stamp)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE permissions
		SET status = $1, revoked_at = COALESCE($2, revoked_at), granted_at = COALESCE($3, granted_at)
		WHERE id = $4 AND status = $5`,
		string(next), revokedAt, grantedAt, id, string(expect))
	if err != nil {
		return fmt.Errorf("cas %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.casFailure(ctx, id, expect)
	}
	return nil
}

func (s *PostgresStore) casFailure(ctx context.Context, id string, expect contracts.PermissionStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM permissions WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", contracts.ErrStatusConflict, id, current, expect)
}

func (s *PostgresStore) UpdateConditions(ctx context.Context, id string, conds []contracts.PermissionCondition) error {
	condsJSON, _ := json.Marshal(conds)
	return s.execOnID(ctx, id, `UPDATE permissions SET conditions = $1 WHERE id = $2`, string(condsJSON))
}

func (s *PostgresStore) ReplaceVotes(ctx context.Context, id string, votes []contracts.CommunityVote) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Metadata.Votes = votes
	metaJSON, _ := json.Marshal(p.Metadata)
	return s.execOnID(ctx, id, `UPDATE permissions SET metadata = $1 WHERE id = $2`, string(metaJSON))
}

// AppendAudit allocates the sequence number and inserts in one statement.
// Under read committed two appenders can still compute the same seq, so the
// primary-key conflict is retried rather than surfaced: the losing writer
// re-reads MAX and lands on the next slot.
func (s *PostgresStore) AppendAudit(ctx context.Context, id string, entry contracts.AuditEntry) error {
	entryJSON, _ := json.Marshal(entry)
	for attempt := 0; attempt < 5; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO permission_audit (permission_id, seq, entry)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2 FROM permission_audit WHERE permission_id = $1`,
			id, string(entryJSON))
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			continue
		}
		return fmt.Errorf("append audit for %s: %w", id, err)
	}
	return fmt.Errorf("append audit for %s: sequence contention not resolved", id)
}

func (s *PostgresStore) insertAudit(ctx context.Context, id string, seq int, entry contracts.AuditEntry) error {
	entryJSON, _ := json.Marshal(entry)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_audit (permission_id, seq, entry) VALUES ($1, $2, $3)`,
		id, seq, string(entryJSON))
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) loadAudit(ctx context.Context, p *contracts.Permission) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM permission_audit WHERE permission_id = $1 ORDER BY seq`, p.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var entry contracts.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return fmt.Errorf("corrupt audit entry for %s: %w", p.ID, err)
		}
		p.AuditLog = append(p.AuditLog, entry)
	}
	return rows.Err()
}

func (s *PostgresStore) execOnID(ctx context.Context, id, query string, arg any) error {
	res, err := s.db.ExecContext(ctx, query, arg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	return nil
}
