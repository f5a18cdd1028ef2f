package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// SQLiteStore persists permissions in SQLite. Structured sub-documents
// (scope, conditions, metadata) are stored as JSON columns; the status CAS
// is a guarded UPDATE so concurrent transitions cannot overwrite each other.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: ":memory:" would otherwise get a fresh database per
	// pooled connection, and a single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle and migrates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		seq INTEGER,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		scope JSON NOT NULL,
		conditions JSON NOT NULL,
		metadata JSON NOT NULL,
		granted_at TEXT NOT NULL,
		revoked_at TEXT,
		expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_user_type_status
		ON permissions (user_id, type, status);

	CREATE TABLE IF NOT EXISTS permission_audit (
		permission_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		entry JSON NOT NULL,
		PRIMARY KEY (permission_id, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, p *contracts.Permission) error {
	scopeJSON, _ := json.Marshal(p.Scope)
	condsJSON, _ := json.Marshal(p.Conditions)
	metaJSON, _ := json.Marshal(p.Metadata)

	var seq int64
	// seq gives ListActive a stable creation order
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM permissions`).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (id, seq, user_id, agent_id, type, status, scope, conditions, metadata, granted_at, revoked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, seq, p.UserID, p.AgentID, string(p.Type), string(p.Status),
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

const permissionColumns = `id, user_id, agent_id, type, status, scope, conditions, metadata, granted_at, revoked_at, expires_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.Permission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE id = ?`, id)
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

func (s *SQLiteStore) ListActive(ctx context.Context, userID string, permType contracts.PermissionType) ([]*contracts.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = ? AND type = ? AND status = ? ORDER BY seq`,
		userID, string(permType), string(contracts.StatusActive))
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status contracts.PermissionStatus) ([]*contracts.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE status = ? ORDER BY seq`,
		string(status))
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id string, expect, next contracts.PermissionStatus, stamp time.Time) error {
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
		SET status = ?, revoked_at = COALESCE(?, revoked_at), granted_at = COALESCE(?, granted_at)
		WHERE id = ? AND status = ?`,
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

// casFailure distinguishes a missing row from a concurrent transition.
func (s *SQLiteStore) casFailure(ctx context.Context, id string, expect contracts.PermissionStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM permissions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", contracts.ErrStatusConflict, id, current, expect)
}

func (s *SQLiteStore) UpdateConditions(ctx context.Context, id string, conds []contracts.PermissionCondition) error {
	condsJSON, _ := json.Marshal(conds)
	return s.execOnID(ctx, id, `UPDATE permissions SET conditions = ? WHERE id = ?`, string(condsJSON))
}

func (s *SQLiteStore) ReplaceVotes(ctx context.Context, id string, votes []contracts.CommunityVote) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Metadata.Votes = votes
	metaJSON, _ := json.Marshal(p.Metadata)
	return s.execOnID(ctx, id, `UPDATE permissions SET metadata = ? WHERE id = ?`, string(metaJSON))
}

// AppendAudit allocates the sequence number and inserts in one statement.
// A separate MAX query racing another appender would hand the same seq to
// both writers and drop one entry on the primary key.
func (s *SQLiteStore) AppendAudit(ctx context.Context, id string, entry contracts.AuditEntry) error {
	entryJSON, _ := json.Marshal(entry)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_audit (permission_id, seq, entry)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ? FROM permission_audit WHERE permission_id = ?`,
		id, string(entryJSON), id)
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) insertAudit(ctx context.Context, id string, seq int, entry contracts.AuditEntry) error {
	entryJSON, _ := json.Marshal(entry)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_audit (permission_id, seq, entry) VALUES (?, ?, ?)`,
		id, seq, string(entryJSON))
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) loadAudit(ctx context.Context, p *contracts.Permission) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM permission_audit WHERE permission_id = ? ORDER BY seq`, p.ID)
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

func (s *SQLiteStore) execOnID(ctx context.Context, id, query string, arg any) error {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (*contracts.Permission, error) {
	var (
		p                              contracts.Permission
		typ, status                    string
		scopeJSON, condsJSON, metaJSON string
		grantedAt                      string
		revokedAt, expiresAt           sql.NullString
	)
	err := row.Scan(&p.ID, &p.UserID, &p.AgentID, &typ, &status,
		&scopeJSON, &condsJSON, &metaJSON, &grantedAt, &revokedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	p.Type = contracts.PermissionType(typ)
	p.Status = contracts.PermissionStatus(status)
	if err := json.Unmarshal([]byte(scopeJSON), &p.Scope); err != nil {
		return nil, fmt.Errorf("corrupt scope for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(condsJSON), &p.Conditions); err != nil {
		return nil, fmt.Errorf("corrupt conditions for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", p.ID, err)
	}
	if p.GrantedAt, err = time.Parse(time.RFC3339Nano, grantedAt); err != nil {
		return nil, fmt.Errorf("corrupt granted_at for %s: %w", p.ID, err)
	}
	if p.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
		return nil, fmt.Errorf("corrupt revoked_at for %s: %w", p.ID, err)
	}
	if p.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, fmt.Errorf("corrupt expires_at for %s: %w", p.ID, err)
	}
	return &p, nil
}

func collectPermissions(rows *sql.Rows) ([]*contracts.Permission, error) {
	defer func() { _ = rows.Close() }()

	var out []*contracts.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
