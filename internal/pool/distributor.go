package pool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"vestra.org/internal/roles"
	"vestra.org/internal/token"
)

var (
	ErrPoolNotFound  = errors.New("pool not found")
	ErrPoolExhausted = errors.New("pool liquidity exhausted")
	ErrSelfTransfer  = errors.New("distribution to the distributor itself is forbidden")
	ErrInvalidAmount = errors.New("invalid amount (must be > 0)")
	ErrInvalidPool   = errors.New("invalid pool configuration")
)

// Pool is a named, capacity-limited source of distributable tokens. The
// ceiling is fixed at construction and never raised; usedLiquidity only grows.
type Pool struct {
	Name      string   `json:"name"`
	Liquidity *big.Int `json:"liquidity"`
	Used      *big.Int `json:"used_liquidity"`
}

// Distributor tracks per-pool liquidity and performs the final transfer via
// the external token service.
type Distributor struct {
	mu    sync.Mutex
	reg   *roles.Registry
	token token.Service
	self  string // distributor's funding account on the token ledger
	pools map[string]*Pool
}

// NewDistributor builds a distributor over a fixed pool table.
func NewDistributor(reg *roles.Registry, svc token.Service, self string, ceilings map[string]*big.Int) (*Distributor, error) {
	self = strings.TrimSpace(self)
	if self == "" {
		return nil, fmt.Errorf("%w: distributor identity is required", ErrInvalidPool)
	}
	if len(ceilings) == 0 {
		return nil, fmt.Errorf("%w: at least one pool is required", ErrInvalidPool)
	}
	pools := make(map[string]*Pool, len(ceilings))
	for name, ceiling := range ceilings {
		name = strings.TrimSpace(name)
		if name == "" || ceiling == nil || ceiling.Sign() <= 0 {
			return nil, fmt.Errorf("%w: pool %q", ErrInvalidPool, name)
		}
		pools[name] = &Pool{
			Name:      name,
			Liquidity: new(big.Int).Set(ceiling),
			Used:      new(big.Int),
		}
	}
	return &Distributor{reg: reg, token: svc, self: self, pools: pools}, nil
}

// Distribute moves tokens from a named pool to a recipient. Callable only by
// approved-contract-role callers. The liquidity increment and the token
// transfer commit together: a failed transfer leaves usedLiquidity untouched.
func (d *Distributor) Distribute(ctx context.Context, caller, poolName string, amount *big.Int, to string) (bool, error) {
	if !d.reg.Has(roles.ApprovedContract, caller) {
		return false, roles.ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}
	if to == d.self {
		return false, ErrSelfTransfer
	}

	// The lock is held across the external transfer: a reentrant call back
	// into Distribute cannot observe the pool mid-operation.
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[poolName]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	next := new(big.Int).Add(p.Used, amount)
	if next.Cmp(p.Liquidity) > 0 {
		return false, fmt.Errorf("%w: %s", ErrPoolExhausted, poolName)
	}

	ok, err := d.token.Transfer(ctx, d.self, to, amount)
	if err != nil {
		return false, fmt.Errorf("token transfer: %w", err)
	}
	if !ok {
		return false, errors.New("token transfer reported failure")
	}

	p.Used = next
	return true, nil
}

// Get returns a copy of one pool's state.
func (d *Distributor) Get(name string) (Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[name]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	return copyPool(p), nil
}

// Pools returns a name-sorted snapshot of every pool.
func (d *Distributor) Pools() []Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pool, 0, len(d.pools))
	for _, p := range d.pools {
		out = append(out, copyPool(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyPool(p *Pool) Pool {
	return Pool{
		Name:      p.Name,
		Liquidity: new(big.Int).Set(p.Liquidity),
		Used:      new(big.Int).Set(p.Used),
	}
}
