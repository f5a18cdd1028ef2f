package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// MemoryStore is the in-process PermissionStore. It is the canonical
// reference for CAS semantics and the default for tests and single-node
// runs without persistence.
type MemoryStore struct {
	mu    sync.RWMutex
	perms map[string]*contracts.Permission
	order map[string]int // insertion order for stable listing
	seq   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		perms: make(map[string]*contracts.Permission),
		order: make(map[string]int),
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *contracts.Permission) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.perms[p.ID]; exists {
		return fmt.Errorf("permission %s already exists", p.ID)
	}
	s.seq++
	s.perms[p.ID] = p.Clone()
	s.order[p.ID] = s.seq
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.Permission, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.perms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListActive(ctx context.Context, userID string, permType contracts.PermissionType) ([]*contracts.Permission, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Permission
	for _, p := range s.perms {
		if p.Status == contracts.StatusActive && p.UserID == userID && p.Type == permType {
			out = append(out, p.Clone())
		}
	}
	s.sortByInsertion(out)
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status contracts.PermissionStatus) ([]*contracts.Permission, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Permission
	for _, p := range s.perms {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	s.sortByInsertion(out)
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expect, next contracts.PermissionStatus, stamp time.Time) error {
	_ = ctx
	if expect.Terminal() {
		return fmt.Errorf("%w: cannot transition out of terminal status %s", contracts.ErrStatusConflict, expect)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.perms[id]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	if p.Status != expect {
		return fmt.Errorf("%w: %s is %s, expected %s", contracts.ErrStatusConflict, id, p.Status, expect)
	}

	p.Status = next
	switch next {
	case contracts.StatusRevoked:
		t := stamp
		p.RevokedAt = &t
	case contracts.StatusActive:
		p.GrantedAt = stamp
	}
	return nil
}

func (s *MemoryStore) UpdateConditions(ctx context.Context, id string, conds []contracts.PermissionCondition) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.perms[id]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	p.Conditions = append([]contracts.PermissionCondition(nil), conds...)
	return nil
}

func (s *MemoryStore) ReplaceVotes(ctx context.Context, id string, votes []contracts.CommunityVote) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.perms[id]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	p.Metadata.Votes = append([]contracts.CommunityVote(nil), votes...)
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, id string, entry contracts.AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.perms[id]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrPermissionNotFound, id)
	}
	p.AuditLog = append(p.AuditLog, entry)
	return nil
}

func (s *MemoryStore) sortByInsertion(perms []*contracts.Permission) {
	sort.SliceStable(perms, func(i, j int) bool {
		return s.order[perms[i].ID] < s.order[perms[j].ID]
	})
}
