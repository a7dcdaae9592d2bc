package vesting

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"vestra.org/internal/pause"
	"vestra.org/internal/roles"
)

const (
	boss    = "dd00000000000000000000000000000000000001"
	engine  = "dd00000000000000000000000000000000000002"
	manager = "dd00000000000000000000000000000000000003"
	holder  = "dd00000000000000000000000000000000000004"
)

const day = 24 * time.Hour

type fakeDistributor struct {
	fail    bool
	calls   int
	lastTo  string
	lastAmt *big.Int
	pool    string
}

func (d *fakeDistributor) Distribute(ctx context.Context, caller, pool string, amount *big.Int, to string) (bool, error) {
	d.calls++
	d.pool = pool
	d.lastTo = to
	d.lastAmt = new(big.Int).Set(amount)
	if d.fail {
		return false, errors.New("transfer reported failure")
	}
	return true, nil
}

type fixture struct {
	ledger *Ledger
	dist   *fakeDistributor
	clock  *time.Time
	t0     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := roles.NewRegistry(boss, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, spec := range []roles.Spec{
		{Name: roles.ApprovedContract, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.VestingManager, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
	} {
		if _, err := reg.Create(ctx, boss, spec); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Grant(ctx, boss, roles.ApprovedContract, engine); err != nil {
		t.Fatal(err)
	}
	if err := reg.Grant(ctx, boss, roles.VestingManager, manager); err != nil {
		t.Fatal(err)
	}

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(-time.Hour)
	dist := &fakeDistributor{}
	l, err := NewLedger(reg, pause.NewControl(reg), dist, engine)
	if err != nil {
		t.Fatal(err)
	}
	l.WithClock(func() time.Time { return now })
	return &fixture{ledger: l, dist: dist, clock: &now, t0: t0}
}

func (f *fixture) createPlan(t *testing.T, spec PlanSpec) Plan {
	t.Helper()
	p, err := f.ledger.CreatePlan(context.Background(), manager, spec)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func standardSpec(t0 time.Time) PlanSpec {
	return PlanSpec{
		StartDate:         t0,
		Cliff:             30 * day,
		Duration:          365 * day,
		InitialReleaseBps: 1000,
		PoolName:          "SeedRound",
	}
}

func TestCreatePlanValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.CreatePlan(ctx, holder, standardSpec(f.t0)); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	bad := standardSpec(f.t0)
	bad.Duration = 0
	if _, err := f.ledger.CreatePlan(ctx, manager, bad); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("zero duration: %v", err)
	}

	bad = standardSpec(f.t0)
	bad.Cliff = bad.Duration + day
	if _, err := f.ledger.CreatePlan(ctx, manager, bad); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("cliff beyond duration: %v", err)
	}

	bad = standardSpec(f.t0)
	bad.StartDate = f.ledger.now().Add(-time.Minute)
	if _, err := f.ledger.CreatePlan(ctx, manager, bad); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("past start date: %v", err)
	}

	p := f.createPlan(t, standardSpec(f.t0))
	if p.ID != 1 {
		t.Fatalf("expected sequential plan id 1, got %d", p.ID)
	}
	p2 := f.createPlan(t, standardSpec(f.t0.Add(day)))
	if p2.ID != 2 {
		t.Fatalf("expected sequential plan id 2, got %d", p2.ID)
	}
}

func TestCorrectStartDateOnlyEarlier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))

	if _, err := f.ledger.CorrectStartDate(ctx, manager, p.ID, f.t0.Add(day)); !errors.Is(err, ErrStartDateNotEarlier) {
		t.Fatalf("expected ErrStartDateNotEarlier, got %v", err)
	}
	upd, err := f.ledger.CorrectStartDate(ctx, manager, p.ID, f.t0.Add(-day))
	if err != nil {
		t.Fatalf("correct earlier: %v", err)
	}
	if !upd.StartDate.Equal(f.t0.Add(-day)) {
		t.Fatalf("unexpected start date: %v", upd.StartDate)
	}
	if _, err := f.ledger.CorrectStartDate(ctx, manager, 99, f.t0); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestGrantAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))

	if _, err := f.ledger.Grant(ctx, holder, holder, big.NewInt(10), p.ID); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(0), p.ID); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(10), 99); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}

	for _, amt := range []int64{600, 400} {
		ok, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(amt), p.ID)
		if err != nil || !ok {
			t.Fatalf("grant: ok=%v err=%v", ok, err)
		}
	}
	stat := f.ledger.Holder(holder)
	if stat.Vested.Int64() != 1000 || stat.Claimed.Sign() != 0 {
		t.Fatalf("unexpected holder stat: %+v", stat)
	}
}

func TestGrantBatchAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))

	if _, err := f.ledger.GrantBatch(ctx, engine, []string{holder}, nil, p.ID); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}

	_, err := f.ledger.GrantBatch(ctx, engine,
		[]string{holder, manager},
		[]*big.Int{big.NewInt(10), big.NewInt(0)}, p.ID)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if f.ledger.Holder(holder).Vested.Sign() != 0 {
		t.Fatalf("failed batch must not apply partially")
	}

	ok, err := f.ledger.GrantBatch(ctx, engine,
		[]string{holder, manager},
		[]*big.Int{big.NewInt(10), big.NewInt(20)}, p.ID)
	if err != nil || !ok {
		t.Fatalf("batch grant: ok=%v err=%v", ok, err)
	}
	if f.ledger.Holder(manager).Vested.Int64() != 20 {
		t.Fatalf("unexpected batch result")
	}
}

// The worked schedule from the release curve: start T0, 30d cliff, 365d
// duration, 10% initial unlock, 1000 vested.
func TestReleasableCurve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(1000), p.ID); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		at   time.Time
		want int64
	}{
		{f.t0.Add(-day), 0},
		{f.t0, 0},
		{f.t0.Add(15 * day), 0},
		{f.t0.Add(30 * day), 100},
		{f.t0.Add(30*day + 167*day + 12*time.Hour), 550},
		{f.t0.Add(365 * day), 1000},
		{f.t0.Add(400 * day), 1000},
	}
	prev := int64(-1)
	for _, tc := range cases {
		got, err := f.ledger.Releasable(holder, p.ID, tc.at)
		if err != nil {
			t.Fatalf("releasable at %v: %v", tc.at, err)
		}
		if got.Int64() != tc.want {
			t.Fatalf("releasable(%v) = %s, want %d", tc.at, got, tc.want)
		}
		if got.Int64() < prev {
			t.Fatalf("releasable must be non-decreasing in time")
		}
		prev = got.Int64()
	}
}

func TestClaimSettlesThroughPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(1000), p.ID); err != nil {
		t.Fatal(err)
	}

	// Before the cliff there is nothing to claim.
	*f.clock = f.t0.Add(15 * day)
	if _, err := f.ledger.Claim(ctx, holder, p.ID); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}

	*f.clock = f.t0.Add(30 * day)
	claimed, err := f.ledger.Claim(ctx, holder, p.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Int64() != 100 {
		t.Fatalf("unexpected claim amount: %s", claimed)
	}
	if f.dist.pool != "SeedRound" || f.dist.lastTo != holder {
		t.Fatalf("unexpected distribution: %+v", f.dist)
	}

	// Claiming again at the same instant yields nothing new.
	if _, err := f.ledger.Claim(ctx, holder, p.ID); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}

	stat := f.ledger.Holder(holder)
	if stat.Claimed.Int64() != 100 {
		t.Fatalf("unexpected claimed total: %s", stat.Claimed)
	}
	if stat.Claimed.Cmp(stat.Vested) > 0 {
		t.Fatalf("claimed exceeds vested")
	}
}

func TestClaimRollsBackOnDistributionFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(1000), p.ID); err != nil {
		t.Fatal(err)
	}

	f.dist.fail = true
	*f.clock = f.t0.Add(365 * day)
	if _, err := f.ledger.Claim(ctx, holder, p.ID); err == nil {
		t.Fatalf("expected claim failure")
	}
	stat := f.ledger.Holder(holder)
	if stat.Claimed.Sign() != 0 {
		t.Fatalf("failed distribution must leave claimed amount untouched: %s", stat.Claimed)
	}

	f.dist.fail = false
	claimed, err := f.ledger.Claim(ctx, holder, p.ID)
	if err != nil || claimed.Int64() != 1000 {
		t.Fatalf("retry claim: amount=%v err=%v", claimed, err)
	}
}

func TestClaimRespectsPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(1000), p.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.ledger.guard.SetGeneral(ctx, boss, true); err != nil {
		t.Fatal(err)
	}
	*f.clock = f.t0.Add(365 * day)
	if _, err := f.ledger.Claim(ctx, holder, p.ID); !errors.Is(err, pause.ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestApplyDebtDrainsEarliestPlansFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.createPlan(t, standardSpec(f.t0))
	p2 := f.createPlan(t, standardSpec(f.t0.Add(day)))
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(300), p1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(700), p2.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.ledger.ApplyDebt(ctx, engine, holder, big.NewInt(500)); err != nil {
		t.Fatalf("apply debt: %v", err)
	}
	bals := f.ledger.Balances(holder)
	if bals[0].Claimed.Int64() != 300 {
		t.Fatalf("plan 1 should be fully drained, got %s", bals[0].Claimed)
	}
	if bals[1].Claimed.Int64() != 200 {
		t.Fatalf("plan 2 should absorb the remainder, got %s", bals[1].Claimed)
	}
	stat := f.ledger.Holder(holder)
	if stat.Claimed.Int64() != 500 {
		t.Fatalf("unexpected aggregate claimed: %s", stat.Claimed)
	}
	if stat.Claimed.Cmp(stat.Vested) > 0 {
		t.Fatalf("claimed exceeds vested after debt")
	}
}

func TestApplyDebtRejectsOverDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPlan(t, standardSpec(f.t0))
	if _, err := f.ledger.Grant(ctx, engine, holder, big.NewInt(100), p.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.ledger.ApplyDebt(ctx, engine, holder, big.NewInt(101)); !errors.Is(err, ErrDebtExceedsVested) {
		t.Fatalf("expected ErrDebtExceedsVested, got %v", err)
	}
	if f.ledger.Holder(holder).Claimed.Sign() != 0 {
		t.Fatalf("rejected debt must not change balances")
	}
	if err := f.ledger.ApplyDebt(ctx, engine, "nobody", big.NewInt(1)); !errors.Is(err, ErrDebtExceedsVested) {
		t.Fatalf("expected ErrDebtExceedsVested for unknown holder, got %v", err)
	}
	if err := f.ledger.ApplyDebt(ctx, holder, holder, big.NewInt(1)); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
