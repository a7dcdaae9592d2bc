package pause

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"vestra.org/internal/roles"
)

var (
	ErrPaused       = errors.New("operation is paused")
	ErrNoPauserRole = errors.New("no pauser role configured for operation")
	ErrInvalidKey   = errors.New("resource and operation are required")
)

type key struct {
	resource  string
	operation string
}

// State is the externally visible pause state for one key.
type State struct {
	Resource      string `json:"resource"`
	Operation     string `json:"operation"`
	Paused        bool   `json:"paused"`
	GeneralPaused bool   `json:"general_paused"`
	PauserRole    string `json:"pauser_role,omitempty"`
}

// Control is the per-(resource,operation) and global kill switch. All
// mutations are gated through the role registry.
type Control struct {
	mu      sync.RWMutex
	reg     *roles.Registry
	general bool
	paused  map[key]bool
	pausers map[key]string
}

// NewControl builds an all-clear control bound to a role registry.
func NewControl(reg *roles.Registry) *Control {
	return &Control{
		reg:     reg,
		paused:  make(map[key]bool),
		pausers: make(map[key]string),
	}
}

// Pause stops one operation on one resource. The caller must hold the key's
// designated pauser role; an unauthorized call aborts, it never no-ops.
func (c *Control) Pause(ctx context.Context, caller, resource, operation string) error {
	return c.setPaused(caller, resource, operation, true)
}

// Unpause resumes one operation on one resource.
func (c *Control) Unpause(ctx context.Context, caller, resource, operation string) error {
	return c.setPaused(caller, resource, operation, false)
}

func (c *Control) setPaused(caller, resource, operation string, paused bool) error {
	k, err := makeKey(resource, operation)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pauser, ok := c.pausers[k]
	if !ok {
		return ErrNoPauserRole
	}
	if !c.reg.Has(pauser, caller) {
		return roles.ErrUnauthorized
	}
	c.paused[k] = paused
	return nil
}

// SetGeneral flips the global kill switch. Super-admin only.
func (c *Control) SetGeneral(ctx context.Context, caller string, paused bool) error {
	if !c.reg.IsSuperAdmin(caller) {
		return roles.ErrUnauthorized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.general = paused
	return nil
}

// SetPauserRole assigns the pauser role for a batch of operations on one
// resource. Super-admin only.
func (c *Control) SetPauserRole(ctx context.Context, caller, resource string, operations []string, role string) error {
	return c.updatePausers(caller, resource, operations, role, false)
}

// RemovePauserRole clears the pauser role for a batch of operations on one
// resource. Super-admin only.
func (c *Control) RemovePauserRole(ctx context.Context, caller, resource string, operations []string) error {
	return c.updatePausers(caller, resource, operations, "", true)
}

func (c *Control) updatePausers(caller, resource string, operations []string, role string, remove bool) error {
	if !c.reg.IsSuperAdmin(caller) {
		return roles.ErrUnauthorized
	}
	if strings.TrimSpace(resource) == "" || len(operations) == 0 {
		return ErrInvalidKey
	}
	if !remove {
		if _, err := c.reg.Get(role); err != nil {
			return fmt.Errorf("pauser role: %w", err)
		}
	}

	keys := make([]key, 0, len(operations))
	for _, op := range operations {
		k, err := makeKey(resource, op)
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if remove {
			delete(c.pausers, k)
			continue
		}
		c.pausers[k] = role
	}
	return nil
}

// Paused reports the effective pause state for one key. Pure query.
func (c *Control) Paused(resource, operation string) bool {
	k, err := makeKey(resource, operation)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.general || c.paused[k]
}

// GeneralPaused reports the global switch.
func (c *Control) GeneralPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.general
}

// Require aborts with ErrPaused when the key is effectively paused.
func (c *Control) Require(resource, operation string) error {
	if c == nil {
		return nil
	}
	if c.Paused(resource, operation) {
		return fmt.Errorf("%w: %s.%s", ErrPaused, resource, operation)
	}
	return nil
}

// Get returns the full state for one key.
func (c *Control) Get(resource, operation string) (State, error) {
	k, err := makeKey(resource, operation)
	if err != nil {
		return State{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		Resource:      k.resource,
		Operation:     k.operation,
		Paused:        c.paused[k],
		GeneralPaused: c.general,
		PauserRole:    c.pausers[k],
	}, nil
}

func makeKey(resource, operation string) (key, error) {
	resource = strings.TrimSpace(resource)
	operation = strings.TrimSpace(operation)
	if resource == "" || operation == "" {
		return key{}, ErrInvalidKey
	}
	return key{resource: resource, operation: operation}, nil
}
