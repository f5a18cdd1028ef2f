// Package store defines the durable permission state the engine depends on,
// plus three implementations: in-memory, SQLite, and PostgreSQL. The engine
// only requires atomic compare-and-transition semantics on permission
// status; everything else is plain reads and appends.
package store

import (
	"context"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// PermissionStore is the persistence collaborator of the engine.
//
// Implementations must guarantee:
//   - CompareAndSetStatus is atomic: the transition applies only if the
//     stored status still equals expect, otherwise ErrStatusConflict.
//   - Terminal states (REVOKED, EXPIRED) are never left: a CAS whose
//     expect is terminal is rejected with ErrStatusConflict before any
//     row is touched.
//   - Audit appends never mutate or drop earlier entries.
type PermissionStore interface {
	// Create persists a new permission. The permission must already be
	// validated; stores do not re-validate.
	Create(ctx context.Context, p *contracts.Permission) error

	// Get returns the permission or ErrPermissionNotFound.
	Get(ctx context.Context, id string) (*contracts.Permission, error)

	// ListActive returns all ACTIVE permissions for a user and type, in
	// creation order. Evaluation depends on this order being stable.
	ListActive(ctx context.Context, userID string, permType contracts.PermissionType) ([]*contracts.Permission, error)

	// ListByStatus returns all permissions in the given status.
	ListByStatus(ctx context.Context, status contracts.PermissionStatus) ([]*contracts.Permission, error)

	// CompareAndSetStatus transitions id from expect to next, stamping
	// RevokedAt on transitions to REVOKED and GrantedAt on transitions
	// to ACTIVE. Returns ErrStatusConflict when the stored status differs
	// from expect or when expect itself is terminal.
	CompareAndSetStatus(ctx context.Context, id string, expect, next contracts.PermissionStatus, stamp time.Time) error

	// UpdateConditions replaces the condition list.
	UpdateConditions(ctx context.Context, id string, conds []contracts.PermissionCondition) error

	// ReplaceVotes replaces the vote tally. Only the consensus engine
	// calls this, under its per-permission serialization.
	ReplaceVotes(ctx context.Context, id string, votes []contracts.CommunityVote) error

	// AppendAudit appends one audit entry to the permission's log.
	AppendAudit(ctx context.Context, id string, entry contracts.AuditEntry) error
}
