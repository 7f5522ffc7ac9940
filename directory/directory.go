package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/songzhibin97/play-engine/types"
)

// Provider is the read-only source of workstreams, users and role memberships.
type Provider interface {
	GetWorkstream(ctx context.Context, id string) (types.Workstream, error)
	GetUser(ctx context.Context, id string) (types.User, error)
	// GetRoleMemberships returns the canonical roles of a user.
	GetRoleMemberships(ctx context.Context, userID string) ([]types.RoleID, error)
	// ResolveRole maps a role reference, either a UUID or a legacy role name, to its RoleID.
	ResolveRole(ctx context.Context, ref string) (types.RoleID, error)
	// RoleMembers returns the user ids holding role, in a stable order.
	RoleMembers(ctx context.Context, role types.RoleID) ([]string, error)
}

// IsRoleID reports whether ref is already a canonical UUID role id.
func IsRoleID(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}

// ResolveRoleRefs normalises role references into RoleIDs, keeping their order and
// dropping duplicates.
func ResolveRoleRefs(ctx context.Context, p Provider, refs []string) ([]types.RoleID, error) {
	out := make([]types.RoleID, 0, len(refs))
	seen := make(map[types.RoleID]bool, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		id, err := p.ResolveRole(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", ref, err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// Members expands role references into the user ids holding them. Users appear once,
// in the order of the first role that names them.
func Members(ctx context.Context, p Provider, refs []string) ([]string, error) {
	roles, err := ResolveRoleRefs(ctx, p, refs)
	if err != nil {
		return nil, err
	}
	var users []string
	seen := make(map[string]bool)
	for _, r := range roles {
		members, err := p.RoleMembers(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("members of role %s: %w", r, err)
		}
		for _, u := range members {
			if !seen[u] {
				seen[u] = true
				users = append(users, u)
			}
		}
	}
	return users, nil
}

// Role is a role known to the memory provider.
type Role struct {
	ID   types.RoleID
	Name string
}

// Memory is an in-memory Provider.
type Memory struct {
	mu          sync.RWMutex
	workstreams map[string]types.Workstream
	users       map[string]types.User
	roles       map[types.RoleID]Role
	byName      map[string]types.RoleID
	userOrder   []string
}

// NewMemory creates an empty Memory provider.
func NewMemory() *Memory {
	return &Memory{
		workstreams: make(map[string]types.Workstream),
		users:       make(map[string]types.User),
		roles:       make(map[types.RoleID]Role),
		byName:      make(map[string]types.RoleID),
	}
}

// AddRole registers a role. An empty id is generated.
func (m *Memory) AddRole(name string, id types.RoleID) types.RoleID {
	if id == "" {
		id = types.RoleID(uuid.NewString())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[id] = Role{ID: id, Name: name}
	m.byName[strings.ToLower(name)] = id
	return id
}

// AddUser registers or replaces a user.
func (m *Memory) AddUser(u types.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		m.userOrder = append(m.userOrder, u.ID)
	}
	m.users[u.ID] = u
}

// AddWorkstream registers or replaces a workstream.
func (m *Memory) AddWorkstream(w types.Workstream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workstreams[w.ID] = w
}

// GetWorkstream implements Provider.
func (m *Memory) GetWorkstream(ctx context.Context, id string) (types.Workstream, error) {
	if err := ctx.Err(); err != nil {
		return types.Workstream{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workstreams[id]
	if !ok {
		return types.Workstream{}, fmt.Errorf("%w: workstream %s", types.ErrNotFound, id)
	}
	return w, nil
}

// GetUser implements Provider.
func (m *Memory) GetUser(ctx context.Context, id string) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("%w: user %s", types.ErrNotFound, id)
	}
	return u, nil
}

// GetRoleMemberships implements Provider.
func (m *Memory) GetRoleMemberships(ctx context.Context, userID string) ([]types.RoleID, error) {
	u, err := m.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return append([]types.RoleID(nil), u.Roles...), nil
}

// ResolveRole implements Provider. Names match case-insensitively.
func (m *Memory) ResolveRole(ctx context.Context, ref string) (types.RoleID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if IsRoleID(ref) {
		if _, ok := m.roles[types.RoleID(ref)]; ok {
			return types.RoleID(ref), nil
		}
		return "", fmt.Errorf("%w: role %s", types.ErrNotFound, ref)
	}
	id, ok := m.byName[strings.ToLower(ref)]
	if !ok {
		return "", fmt.Errorf("%w: role %s", types.ErrNotFound, ref)
	}
	return id, nil
}

// RoleMembers implements Provider. Members are returned in registration order.
func (m *Memory) RoleMembers(ctx context.Context, role types.RoleID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.roles[role]; !ok {
		return nil, fmt.Errorf("%w: role %s", types.ErrNotFound, role)
	}
	var out []string
	for _, id := range m.userOrder {
		if m.users[id].HasRole(role) {
			out = append(out, id)
		}
	}
	return out, nil
}

// RoleNames returns the registered role names, sorted.
func (m *Memory) RoleNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.roles))
	for _, r := range m.roles {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
