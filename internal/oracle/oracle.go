package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	ErrStaleQuote   = errors.New("price quote is stale")
	ErrInvalidPrice = errors.New("feed returned a non-positive price")
)

// Rounds a quote reference may lag behind the feed's latest round before it
// is rejected.
const MaxRoundDrift = 600

// Feed is the consumed external price feed.
type Feed interface {
	LatestRound(ctx context.Context) (uint64, error)
	RoundData(ctx context.Context, round uint64) (*big.Int, error)
}

// Adapter validates quotes from an external feed before the purchase engine
// uses them. It performs no caching; every call goes to the feed.
type Adapter struct {
	feed     Feed
	maxDrift uint64
}

// NewAdapter wraps a feed with the default staleness bound.
func NewAdapter(feed Feed) *Adapter {
	return &Adapter{feed: feed, maxDrift: MaxRoundDrift}
}

// Price resolves the price for a caller-supplied round reference. The
// reference is rejected when it differs from the feed's latest round by more
// than the drift bound in either direction.
func (a *Adapter) Price(ctx context.Context, round uint64) (*big.Int, error) {
	latest, err := a.feed.LatestRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest round: %w", err)
	}
	if round > latest {
		return nil, fmt.Errorf("%w: round %d is ahead of latest %d", ErrStaleQuote, round, latest)
	}
	if latest-round > a.maxDrift {
		return nil, fmt.Errorf("%w: round %d, latest %d", ErrStaleQuote, round, latest)
	}
	price, err := a.feed.RoundData(ctx, round)
	if err != nil {
		return nil, fmt.Errorf("round data: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return new(big.Int).Set(price), nil
}

// StaticFeed is a feed with hand-set rounds, used for local wiring and tests.
type StaticFeed struct {
	mu     sync.RWMutex
	latest uint64
	prices map[uint64]*big.Int
}

// NewStaticFeed starts a feed at round zero.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[uint64]*big.Int)}
}

// Advance records a price for the next round and returns its number.
func (f *StaticFeed) Advance(price *big.Int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest++
	f.prices[f.latest] = new(big.Int).Set(price)
	return f.latest
}

// AdvanceTo fast-forwards the latest round number, carrying the last price.
func (f *StaticFeed) AdvanceTo(round uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.prices[f.latest]
	for f.latest < round {
		f.latest++
		if last != nil {
			f.prices[f.latest] = new(big.Int).Set(last)
		}
	}
}

func (f *StaticFeed) LatestRound(ctx context.Context) (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest, nil
}

func (f *StaticFeed) RoundData(ctx context.Context, round uint64) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[round]
	if !ok {
		return nil, fmt.Errorf("unknown round %d", round)
	}
	return new(big.Int).Set(price), nil
}
