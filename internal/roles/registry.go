package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnauthorized   = errors.New("caller lacks required role")
	ErrNotSelf        = errors.New("only the holder may renounce a role")
	ErrInvalidRole    = errors.New("invalid role configuration")
	ErrRoleExists     = errors.New("role already exists")
	ErrRoleNotFound   = errors.New("role not found")
	ErrRoleInactive   = errors.New("role is deactivated")
	ErrLimitReached   = errors.New("role account limit reached")
	ErrAlreadyGranted = errors.New("role already granted")
	ErrNotGranted     = errors.New("role not granted")
	ErrRestricted     = errors.New("identity violates role account-type restriction")
)

// Built-in role names seeded at construction.
const (
	Owner = "owner"
	Admin = "admin"
)

// Well-known role names the engines check for.
const (
	SaleAdmin        = "sale-admin"
	Script           = "script"
	VestingManager   = "vesting-manager"
	ApprovedContract = "approved-contract"
)

// Role is a named capability bundle with its own admin, lifecycle and
// membership cap. Roles are never deleted, only deactivated.
type Role struct {
	Name         string    `json:"name"`
	AccountLimit int       `json:"account_limit"`
	UsedCount    int       `json:"used_count"`
	IsCreator    bool      `json:"is_creator"`
	IsActive     bool      `json:"is_active"`
	ForContracts bool      `json:"for_contracts"`
	NotContracts bool      `json:"not_contracts"`
	CreatedBy    string    `json:"created_by"`
	CreatorRole  string    `json:"creator_role"`
	AdminRole    string    `json:"admin_role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Spec describes a role to create.
type Spec struct {
	Name         string
	AccountLimit int
	CreatorRole  string
	AdminRole    string
	IsCreator    bool
	ForContracts bool
	NotContracts bool
}

// Update describes a partial role mutation.
type Update struct {
	AccountLimit *int
	AdminRole    *string
	IsCreator    *bool
	ForContracts *bool
	NotContracts *bool
}

// Classifier answers whether an identity is a composite (contract-controlled)
// account. It is environment-supplied; the registry never decides this itself.
type Classifier func(ctx context.Context, identity string) (bool, error)

// Registry stores role definitions and role assignments and answers
// authorization queries for every other component.
type Registry struct {
	mu       sync.RWMutex
	classify Classifier
	roles    map[string]*Role
	members  map[string]map[string]bool // role name -> identity -> held
	now      func() time.Time
}

// NewRegistry seeds the built-in owner (limit 1) and admin (limit 5) roles,
// both granted to the constructing owner.
func NewRegistry(owner string, classify Classifier) (*Registry, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner identity is required", ErrInvalidRole)
	}
	r := &Registry{
		classify: classify,
		roles:    make(map[string]*Role),
		members:  make(map[string]map[string]bool),
		now:      time.Now,
	}
	created := r.now().UTC()
	r.roles[Owner] = &Role{
		Name:         Owner,
		AccountLimit: 1,
		UsedCount:    1,
		IsCreator:    true,
		IsActive:     true,
		CreatedBy:    owner,
		CreatorRole:  Owner,
		AdminRole:    Owner,
		CreatedAt:    created,
	}
	r.roles[Admin] = &Role{
		Name:         Admin,
		AccountLimit: 5,
		UsedCount:    1,
		IsCreator:    true,
		IsActive:     true,
		CreatedBy:    owner,
		CreatorRole:  Owner,
		AdminRole:    Owner,
		CreatedAt:    created,
	}
	r.members[Owner] = map[string]bool{owner: true}
	r.members[Admin] = map[string]bool{owner: true}
	return r, nil
}

// WithClock overrides the time source (used in tests).
func (r *Registry) WithClock(fn func() time.Time) *Registry {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Create defines a new role. The caller must hold the creator role the
// definition names, and that role must itself carry the creator capability.
func (r *Registry) Create(ctx context.Context, caller string, spec Spec) (Role, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidRole)
	}
	if spec.ForContracts && spec.NotContracts {
		return Role{}, fmt.Errorf("%w: for_contracts and not_contracts are mutually exclusive", ErrInvalidRole)
	}
	if spec.AccountLimit <= 0 {
		return Role{}, fmt.Errorf("%w: account limit must be positive", ErrInvalidRole)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	creator, ok := r.roles[spec.CreatorRole]
	if !ok {
		return Role{}, fmt.Errorf("%w: creator role %q", ErrRoleNotFound, spec.CreatorRole)
	}
	if !creator.IsCreator || !r.hasLocked(spec.CreatorRole, caller) {
		return Role{}, ErrUnauthorized
	}
	if _, ok := r.roles[spec.Name]; ok {
		return Role{}, ErrRoleExists
	}
	if _, ok := r.roles[spec.AdminRole]; !ok {
		return Role{}, fmt.Errorf("%w: admin role %q", ErrRoleNotFound, spec.AdminRole)
	}

	role := &Role{
		Name:         spec.Name,
		AccountLimit: spec.AccountLimit,
		IsCreator:    spec.IsCreator,
		IsActive:     true,
		ForContracts: spec.ForContracts,
		NotContracts: spec.NotContracts,
		CreatedBy:    caller,
		CreatorRole:  spec.CreatorRole,
		AdminRole:    spec.AdminRole,
		CreatedAt:    r.now().UTC(),
	}
	r.roles[spec.Name] = role
	r.members[spec.Name] = make(map[string]bool)
	return *role, nil
}

// UpdateRole mutates a role definition. Only holders of the role's admin role
// or a super-admin may update it.
func (r *Registry) UpdateRole(ctx context.Context, caller, name string, upd Update) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[name]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	if !r.adminOfLocked(role, caller) {
		return Role{}, ErrUnauthorized
	}

	next := *role
	if upd.AccountLimit != nil {
		if *upd.AccountLimit < role.UsedCount {
			return Role{}, fmt.Errorf("%w: account limit below current holder count", ErrInvalidRole)
		}
		next.AccountLimit = *upd.AccountLimit
	}
	if upd.AdminRole != nil {
		if _, ok := r.roles[*upd.AdminRole]; !ok {
			return Role{}, fmt.Errorf("%w: admin role %q", ErrRoleNotFound, *upd.AdminRole)
		}
		next.AdminRole = *upd.AdminRole
	}
	if upd.IsCreator != nil {
		next.IsCreator = *upd.IsCreator
	}
	if upd.ForContracts != nil {
		next.ForContracts = *upd.ForContracts
	}
	if upd.NotContracts != nil {
		next.NotContracts = *upd.NotContracts
	}
	if next.ForContracts && next.NotContracts {
		return Role{}, fmt.Errorf("%w: for_contracts and not_contracts are mutually exclusive", ErrInvalidRole)
	}
	*role = next
	return *role, nil
}

// Deactivate turns a role off without clearing assignments: Has reports false
// for every holder until the role is reactivated.
func (r *Registry) Deactivate(ctx context.Context, caller, name string) error {
	return r.setActive(caller, name, false)
}

// Activate restores a deactivated role and its prior holders.
func (r *Registry) Activate(ctx context.Context, caller, name string) error {
	return r.setActive(caller, name, true)
}

func (r *Registry) setActive(caller, name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[name]
	if !ok {
		return ErrRoleNotFound
	}
	if !r.adminOfLocked(role, caller) {
		return ErrUnauthorized
	}
	role.IsActive = active
	return nil
}

// Grant assigns the role to an identity. Admin-only; fails when the role is
// inactive, full, or the account-type restriction is violated.
func (r *Registry) Grant(ctx context.Context, caller, name, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidRole)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[name]
	if !ok {
		return ErrRoleNotFound
	}
	if !r.adminOfLocked(role, caller) {
		return ErrUnauthorized
	}
	if !role.IsActive {
		return ErrRoleInactive
	}
	if r.members[name][identity] {
		return ErrAlreadyGranted
	}
	if role.UsedCount >= role.AccountLimit {
		return ErrLimitReached
	}
	if role.ForContracts || role.NotContracts {
		if r.classify == nil {
			return fmt.Errorf("%w: no account classifier configured", ErrRestricted)
		}
		composite, err := r.classify(ctx, identity)
		if err != nil {
			return fmt.Errorf("classify %s: %w", identity, err)
		}
		if role.ForContracts && !composite {
			return ErrRestricted
		}
		if role.NotContracts && composite {
			return ErrRestricted
		}
	}

	if r.members[name] == nil {
		r.members[name] = make(map[string]bool)
	}
	r.members[name][identity] = true
	role.UsedCount++
	return nil
}

// Revoke removes an assignment by admin action.
func (r *Registry) Revoke(ctx context.Context, caller, name, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[name]
	if !ok {
		return ErrRoleNotFound
	}
	if !r.adminOfLocked(role, caller) {
		return ErrUnauthorized
	}
	return r.clearLocked(role, identity)
}

// Renounce removes the caller's own assignment. Renouncing on behalf of
// another identity fails with an ownership error.
func (r *Registry) Renounce(ctx context.Context, caller, name, identity string) error {
	if caller != identity {
		return ErrNotSelf
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[name]
	if !ok {
		return ErrRoleNotFound
	}
	return r.clearLocked(role, identity)
}

func (r *Registry) clearLocked(role *Role, identity string) error {
	if !r.members[role.Name][identity] {
		return ErrNotGranted
	}
	delete(r.members[role.Name], identity)
	role.UsedCount--
	return nil
}

// Has reports whether the identity holds the role and the role is active.
// Pure query, no side effects.
func (r *Registry) Has(name, identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasLocked(name, identity)
}

func (r *Registry) hasLocked(name, identity string) bool {
	role, ok := r.roles[name]
	if !ok || !role.IsActive {
		return false
	}
	return r.members[name][identity]
}

// IsSuperAdmin reports whether the identity holds a built-in admin or owner role.
func (r *Registry) IsSuperAdmin(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasLocked(Admin, identity) || r.hasLocked(Owner, identity)
}

func (r *Registry) adminOfLocked(role *Role, caller string) bool {
	if r.hasLocked(role.AdminRole, caller) {
		return true
	}
	return r.hasLocked(Admin, caller) || r.hasLocked(Owner, caller)
}

// Get returns a copy of the role definition.
func (r *Registry) Get(name string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return *role, nil
}
