package token

import (
	"context"
	"errors"
	"math/big"
)

// Service is the consumed external fungible-token ledger. Balance storage and
// transfer mechanics live behind it; this core only observes success or
// failure. Failures propagate to callers as aborts.
type Service interface {
	Transfer(ctx context.Context, from, to string, amount *big.Int) (bool, error)
	BalanceOf(ctx context.Context, identity string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)
}

var (
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
