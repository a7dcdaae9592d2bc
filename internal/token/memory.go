package token

import (
	"context"
	"math/big"
	"sync"
)

// InMemory implements Service with in-process concurrency safety. It stands
// in for the external token ledger in local wiring, the smoke binary and
// tests.
type InMemory struct {
	mu         sync.RWMutex
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int // owner -> spender -> amount
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty token ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
	}
}

// Mint credits an identity. Test and bootstrap helper; the real ledger's
// supply mechanics are out of scope.
func (s *InMemory) Mint(identity string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.balances[identity]
	if !ok {
		cur = new(big.Int)
		s.balances[identity] = cur
	}
	cur.Add(cur, amount)
}

// Approve sets an allowance from owner to spender.
func (s *InMemory) Approve(owner, spender string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.allowances[owner]
	if !ok {
		m = make(map[string]*big.Int)
		s.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
}

func (s *InMemory) Transfer(ctx context.Context, from, to string, amount *big.Int) (bool, error) {
	if from == "" || to == "" {
		return false, ErrInvalidIdentity
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return false, ErrInsufficientFunds
	}
	bal.Sub(bal, amount)
	cur, ok := s.balances[to]
	if !ok {
		cur = new(big.Int)
		s.balances[to] = cur
	}
	cur.Add(cur, amount)
	return true, nil
}

func (s *InMemory) BalanceOf(ctx context.Context, identity string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[identity]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

func (s *InMemory) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.allowances[owner]
	if !ok {
		return new(big.Int), nil
	}
	a, ok := m[spender]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(a), nil
}
