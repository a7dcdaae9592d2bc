package token

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
)

func TestTransferSuccessAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	s.Mint("a", big.NewInt(1000))

	ok, err := s.Transfer(ctx, "a", "b", big.NewInt(600))
	if err != nil || !ok {
		t.Fatalf("transfer: ok=%v err=%v", ok, err)
	}
	ba, _ := s.BalanceOf(ctx, "a")
	bb, _ := s.BalanceOf(ctx, "b")
	if ba.Int64() != 400 || bb.Int64() != 600 {
		t.Fatalf("unexpected balances: a=%s b=%s", ba, bb)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	s.Mint("a", big.NewInt(100))

	ok, err := s.Transfer(ctx, "a", "b", big.NewInt(200))
	if ok || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got ok=%v err=%v", ok, err)
	}
	ba, _ := s.BalanceOf(ctx, "a")
	if ba.Int64() != 100 {
		t.Fatalf("failed transfer must not move funds: %s", ba)
	}
}

func TestAllowance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	a, _ := s.Allowance(ctx, "a", "spender")
	if a.Sign() != 0 {
		t.Fatalf("expected zero default allowance, got %s", a)
	}
	s.Approve("a", "spender", big.NewInt(5000))
	a, _ = s.Allowance(ctx, "a", "spender")
	if a.Int64() != 5000 {
		t.Fatalf("unexpected allowance: %s", a)
	}
}

func TestConcurrentTransfersConserve(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	s.Mint("a", big.NewInt(10000))

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(ctx, "a", "b", big.NewInt(100))
		}()
	}
	wg.Wait()

	ba, _ := s.BalanceOf(ctx, "a")
	bb, _ := s.BalanceOf(ctx, "b")
	sum := new(big.Int).Add(ba, bb)
	if sum.Int64() != 10000 {
		t.Fatalf("conservation violated: a+b=%s", sum)
	}
}
