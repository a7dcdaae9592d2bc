package vesting

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"vestra.org/internal/pause"
	"vestra.org/internal/roles"
)

var (
	ErrPlanNotFound        = errors.New("vesting plan not found")
	ErrInvalidPlan         = errors.New("invalid vesting plan")
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0)")
	ErrBatchMismatch       = errors.New("batch lists differ in length")
	ErrStartDateNotEarlier = errors.New("start date may only move earlier")
	ErrNothingToClaim      = errors.New("nothing to claim")
	ErrDebtExceedsVested   = errors.New("debt exceeds available vested balance")
)

const bpsDenominator = 10_000

// Plan is a vesting schedule template: cliff, duration, initial unlock and
// the pool that funds its distributions.
type Plan struct {
	ID                uint64        `json:"id"`
	StartDate         time.Time     `json:"start_date"`
	Cliff             time.Duration `json:"cliff"`
	Duration          time.Duration `json:"duration"`
	InitialReleaseBps uint32        `json:"initial_release_bps"`
	PoolName          string        `json:"pool_name"`
	CreatedAt         time.Time     `json:"created_at"`
}

// PlanSpec describes a plan to create.
type PlanSpec struct {
	StartDate         time.Time
	Cliff             time.Duration
	Duration          time.Duration
	InitialReleaseBps uint32
	PoolName          string
}

// Balance is the per-(identity, plan) vesting state. Both fields are
// monotonically non-decreasing and Claimed never exceeds Vested.
type Balance struct {
	PlanID  uint64   `json:"plan_id"`
	Vested  *big.Int `json:"vested_amount"`
	Claimed *big.Int `json:"claimed_amount"`
}

// HolderStat mirrors the sum of one identity's balances across all plans.
type HolderStat struct {
	Vested  *big.Int `json:"vested_amount"`
	Claimed *big.Int `json:"claimed_amount"`
}

// Distributor performs the final pool-funded transfer for a claim.
type Distributor interface {
	Distribute(ctx context.Context, caller, pool string, amount *big.Int, to string) (bool, error)
}

type balance struct {
	vested  *big.Int
	claimed *big.Int
}

// Ledger stores vesting plans and per-(beneficiary, plan) balances, computes
// time-based releasable amounts, and settles claims through the distributor.
type Ledger struct {
	mu       sync.Mutex
	reg      *roles.Registry
	guard    *pause.Control
	dist     Distributor
	identity string // principal used when calling the distributor
	now      func() time.Time

	nextPlanID uint64
	plans      map[uint64]*Plan
	balances   map[string]map[uint64]*balance
	holders    map[string]*HolderStat
}

// NewLedger builds an empty vesting ledger. identity is the principal this
// component presents to the distributor; it must hold the approved-contract
// role there.
func NewLedger(reg *roles.Registry, guard *pause.Control, dist Distributor, identity string) (*Ledger, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, errors.New("vesting ledger identity is required")
	}
	return &Ledger{
		reg:      reg,
		guard:    guard,
		dist:     dist,
		identity: identity,
		now:      time.Now,
		plans:    make(map[uint64]*Plan),
		balances: make(map[string]map[uint64]*balance),
		holders:  make(map[string]*HolderStat),
	}, nil
}

// WithClock overrides the time source (used in tests).
func (l *Ledger) WithClock(fn func() time.Time) *Ledger {
	if fn != nil {
		l.now = fn
	}
	return l
}

// CreatePlan registers a new plan and assigns the next sequential id.
// Vesting-manager only.
func (l *Ledger) CreatePlan(ctx context.Context, caller string, spec PlanSpec) (Plan, error) {
	if !l.reg.Has(roles.VestingManager, caller) {
		return Plan{}, roles.ErrUnauthorized
	}
	if spec.Duration <= 0 {
		return Plan{}, fmt.Errorf("%w: duration must be positive", ErrInvalidPlan)
	}
	if spec.Cliff < 0 || spec.Cliff > spec.Duration {
		return Plan{}, fmt.Errorf("%w: cliff exceeds duration", ErrInvalidPlan)
	}
	if spec.InitialReleaseBps > bpsDenominator {
		return Plan{}, fmt.Errorf("%w: initial release above 10000 bps", ErrInvalidPlan)
	}
	if strings.TrimSpace(spec.PoolName) == "" {
		return Plan{}, fmt.Errorf("%w: pool name is required", ErrInvalidPlan)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if spec.StartDate.Before(l.now()) {
		return Plan{}, fmt.Errorf("%w: start date is in the past", ErrInvalidPlan)
	}

	l.nextPlanID++
	p := &Plan{
		ID:                l.nextPlanID,
		StartDate:         spec.StartDate.UTC(),
		Cliff:             spec.Cliff,
		Duration:          spec.Duration,
		InitialReleaseBps: spec.InitialReleaseBps,
		PoolName:          strings.TrimSpace(spec.PoolName),
		CreatedAt:         l.now().UTC(),
	}
	l.plans[p.ID] = p
	return *p, nil
}

// CorrectStartDate moves a plan's start date earlier. This is the only way a
// plan is ever edited; moving the date later is rejected.
func (l *Ledger) CorrectStartDate(ctx context.Context, caller string, planID uint64, newStart time.Time) (Plan, error) {
	if !l.reg.Has(roles.VestingManager, caller) {
		return Plan{}, roles.ErrUnauthorized
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	if newStart.After(p.StartDate) {
		return Plan{}, ErrStartDateNotEarlier
	}
	p.StartDate = newStart.UTC()
	return *p, nil
}

// Grant accumulates vested entitlement for a beneficiary under a plan.
// Callable only by approved-contract-role callers (the purchase engine).
// Returns true on success; callers must treat anything else as an abort.
func (l *Ledger) Grant(ctx context.Context, caller, beneficiary string, amount *big.Int, planID uint64) (bool, error) {
	if !l.reg.Has(roles.ApprovedContract, caller) {
		return false, roles.ErrUnauthorized
	}
	if err := l.guard.Require("vesting", "grant"); err != nil {
		return false, err
	}
	if strings.TrimSpace(beneficiary) == "" {
		return false, fmt.Errorf("%w: beneficiary is required", ErrInvalidAmount)
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.plans[planID]; !ok {
		return false, ErrPlanNotFound
	}
	l.accumulateLocked(beneficiary, planID, amount)
	return true, nil
}

// GrantBatch grants to many beneficiaries under one plan, all or nothing.
func (l *Ledger) GrantBatch(ctx context.Context, caller string, beneficiaries []string, amounts []*big.Int, planID uint64) (bool, error) {
	if !l.reg.Has(roles.ApprovedContract, caller) {
		return false, roles.ErrUnauthorized
	}
	if err := l.guard.Require("vesting", "grant"); err != nil {
		return false, err
	}
	if len(beneficiaries) != len(amounts) {
		return false, ErrBatchMismatch
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.plans[planID]; !ok {
		return false, ErrPlanNotFound
	}
	for i, b := range beneficiaries {
		if strings.TrimSpace(b) == "" {
			return false, fmt.Errorf("%w: beneficiary %d is empty", ErrInvalidAmount, i)
		}
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return false, fmt.Errorf("%w: amount %d", ErrInvalidAmount, i)
		}
	}
	for i, b := range beneficiaries {
		l.accumulateLocked(b, planID, amounts[i])
	}
	return true, nil
}

func (l *Ledger) accumulateLocked(beneficiary string, planID uint64, amount *big.Int) {
	plans, ok := l.balances[beneficiary]
	if !ok {
		plans = make(map[uint64]*balance)
		l.balances[beneficiary] = plans
	}
	bal, ok := plans[planID]
	if !ok {
		bal = &balance{vested: new(big.Int), claimed: new(big.Int)}
		plans[planID] = bal
	}
	bal.vested.Add(bal.vested, amount)

	stat, ok := l.holders[beneficiary]
	if !ok {
		stat = &HolderStat{Vested: new(big.Int), Claimed: new(big.Int)}
		l.holders[beneficiary] = stat
	}
	stat.Vested.Add(stat.Vested, amount)
}

// Releasable computes the amount released by the plan curve at a point in
// time. Pure function of plan and balance state:
// zero before the cliff ends, the initial unlock at the cliff boundary,
// then linear to the end of the duration.
func (l *Ledger) Releasable(beneficiary string, planID uint64, at time.Time) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releasableLocked(beneficiary, planID, at)
}

func (l *Ledger) releasableLocked(beneficiary string, planID uint64, at time.Time) (*big.Int, error) {
	p, ok := l.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	bal, ok := l.balances[beneficiary][planID]
	if !ok {
		return new(big.Int), nil
	}
	vested := bal.vested

	cliffEnd := p.StartDate.Add(p.Cliff)
	end := p.StartDate.Add(p.Duration)

	switch {
	case at.Before(p.StartDate):
		return new(big.Int), nil
	case !at.Before(end):
		return new(big.Int).Set(vested), nil
	case at.Before(cliffEnd):
		return new(big.Int), nil
	}

	initial := new(big.Int).Mul(vested, big.NewInt(int64(p.InitialReleaseBps)))
	initial.Div(initial, big.NewInt(bpsDenominator))

	elapsed := at.Sub(cliffEnd)
	vestingSpan := p.Duration - p.Cliff
	if vestingSpan <= 0 || elapsed <= 0 {
		return initial, nil
	}

	linear := new(big.Int).Sub(vested, initial)
	linear.Mul(linear, big.NewInt(int64(elapsed/time.Second)))
	linear.Div(linear, big.NewInt(int64(vestingSpan/time.Second)))
	return initial.Add(initial, linear), nil
}

// Claimable returns releasable(now) minus what was already claimed, floored
// at zero.
func (l *Ledger) Claimable(beneficiary string, planID uint64) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimableLocked(beneficiary, planID, l.now())
}

func (l *Ledger) claimableLocked(beneficiary string, planID uint64, at time.Time) (*big.Int, error) {
	released, err := l.releasableLocked(beneficiary, planID, at)
	if err != nil {
		return nil, err
	}
	bal, ok := l.balances[beneficiary][planID]
	if !ok {
		return new(big.Int), nil
	}
	claimable := released.Sub(released, bal.claimed)
	if claimable.Sign() < 0 {
		return new(big.Int), nil
	}
	return claimable, nil
}

// Claim settles the caller's claimable balance under one plan through the
// plan's pool. The claimed-amount increase and the distribution commit
// together; a failed distribution leaves the balance untouched.
func (l *Ledger) Claim(ctx context.Context, caller string, planID uint64) (*big.Int, error) {
	if err := l.guard.Require("vesting", "claim"); err != nil {
		return nil, err
	}

	// Lock held across the distributor call; see the concurrency note on
	// Distributor.Distribute.
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	claimable, err := l.claimableLocked(caller, planID, l.now())
	if err != nil {
		return nil, err
	}
	if claimable.Sign() == 0 {
		return nil, ErrNothingToClaim
	}

	ok, err = l.dist.Distribute(ctx, l.identity, p.PoolName, claimable, caller)
	if err != nil {
		return nil, fmt.Errorf("distribute: %w", err)
	}
	if !ok {
		return nil, errors.New("distribution reported failure")
	}

	bal := l.balances[caller][planID]
	bal.claimed.Add(bal.claimed, claimable)
	l.holders[caller].Claimed.Add(l.holders[caller].Claimed, claimable)
	return claimable, nil
}

// ApplyDebt marks part of a beneficiary's unclaimed vested balance as claimed
// without moving tokens, recording an offsetting obligation such as a prior
// advance. Plans are drained in ascending plan-id order; earliest plans
// absorb the debt first (documented policy, not an incidental detail).
// Approved-contract-role only.
func (l *Ledger) ApplyDebt(ctx context.Context, caller, beneficiary string, amount *big.Int) error {
	if !l.reg.Has(roles.ApprovedContract, caller) {
		return roles.ErrUnauthorized
	}
	if err := l.guard.Require("vesting", "debt"); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stat, ok := l.holders[beneficiary]
	if !ok {
		return ErrDebtExceedsVested
	}
	owed := new(big.Int).Add(stat.Claimed, amount)
	if owed.Cmp(stat.Vested) > 0 {
		return ErrDebtExceedsVested
	}

	plans := l.balances[beneficiary]
	ids := make([]uint64, 0, len(plans))
	for id := range plans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	remaining := new(big.Int).Set(amount)
	for _, id := range ids {
		if remaining.Sign() == 0 {
			break
		}
		bal := plans[id]
		avail := new(big.Int).Sub(bal.vested, bal.claimed)
		if avail.Sign() <= 0 {
			continue
		}
		take := avail
		if remaining.Cmp(avail) < 0 {
			take = remaining
		}
		bal.claimed.Add(bal.claimed, take)
		stat.Claimed.Add(stat.Claimed, take)
		remaining.Sub(remaining, take)
	}
	if remaining.Sign() != 0 {
		// Unreachable given the aggregate check above; kept verifiable.
		return ErrDebtExceedsVested
	}
	return nil
}

// GetPlan returns a copy of one plan.
func (l *Ledger) GetPlan(planID uint64) (Plan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return *p, nil
}

// HasPlan reports whether a plan id exists.
func (l *Ledger) HasPlan(planID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.plans[planID]
	return ok
}

// Holder returns the aggregate vested/claimed totals for an identity.
func (l *Ledger) Holder(identity string) HolderStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	stat, ok := l.holders[identity]
	if !ok {
		return HolderStat{Vested: new(big.Int), Claimed: new(big.Int)}
	}
	return HolderStat{
		Vested:  new(big.Int).Set(stat.Vested),
		Claimed: new(big.Int).Set(stat.Claimed),
	}
}

// Balances returns the identity's per-plan balances in ascending plan order.
func (l *Ledger) Balances(identity string) []Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	plans := l.balances[identity]
	out := make([]Balance, 0, len(plans))
	for id, bal := range plans {
		out = append(out, Balance{
			PlanID:  id,
			Vested:  new(big.Int).Set(bal.vested),
			Claimed: new(big.Int).Set(bal.claimed),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}
