package sale

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"vestra.org/internal/oracle"
	"vestra.org/internal/pause"
	"vestra.org/internal/roles"
	"vestra.org/internal/token"
)

const (
	boss     = "ee00000000000000000000000000000000000001"
	engineID = "ee00000000000000000000000000000000000002"
	scripter = "ee00000000000000000000000000000000000003"
	buyer    = "ee00000000000000000000000000000000000004"
	treasury = "ee00000000000000000000000000000000000005"
)

type fakeGranter struct {
	fail   bool
	calls  int
	lastTo string
}

func (g *fakeGranter) Grant(ctx context.Context, caller, beneficiary string, amount *big.Int, planID uint64) (bool, error) {
	g.calls++
	g.lastTo = beneficiary
	if g.fail {
		return false, errors.New("plan closed")
	}
	return true, nil
}

func scaled(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

type fixture struct {
	engine *Engine
	grants *fakeGranter
	clock  *time.Time
	svc    *token.InMemory
	feed   *oracle.StaticFeed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := roles.NewRegistry(boss, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := reg.Create(ctx, boss, roles.Spec{Name: roles.Script, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Grant(ctx, boss, roles.Script, scripter); err != nil {
		t.Fatal(err)
	}

	grants := &fakeGranter{}
	eng, err := NewEngine(reg, pause.NewControl(reg), grants, engineID, Config{
		UnitPrice: scaled(2), // 2 value units per token
		PlanID:    1,
		Cap:       scaled(10_000),
		Treasury:  treasury,
		Active:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.WithClock(func() time.Time { return now })

	svc := token.NewInMemory()
	feed := oracle.NewStaticFeed()
	f := &fixture{engine: eng, grants: grants, clock: &now, svc: svc, feed: feed}

	if err := eng.RegisterAsset(ctx, boss, PaymentAsset{
		Symbol:   "USDT",
		Decimals: 6,
		Feed:     oracle.NewAdapter(feed),
		Token:    svc,
	}); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestScriptPurchaseGrantsVesting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Purchase(ctx, buyer, scaled(100), MethodScript, 0); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("script path must require the script role, got %v", err)
	}

	r, err := f.engine.Purchase(ctx, scripter, scaled(100), MethodScript, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if r.Cost.Cmp(scaled(200)) != 0 {
		t.Fatalf("unexpected cost: %s", r.Cost)
	}
	if f.grants.calls != 1 || f.grants.lastTo != scripter {
		t.Fatalf("vesting grant not issued: %+v", f.grants)
	}
	cfg := f.engine.Config()
	if cfg.Sold.Cmp(scaled(100)) != 0 {
		t.Fatalf("unexpected cumulative sold: %s", cfg.Sold)
	}
}

func TestAssetPurchaseConvertsThroughFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round := f.feed.Advance(scaled(2)) // 2 value units per asset unit
	payment := big.NewInt(100_000_000) // 100 asset units at 6 decimals
	f.svc.Mint(buyer, payment)
	f.svc.Approve(buyer, engineID, payment)

	r, err := f.engine.Purchase(ctx, buyer, scaled(100), "USDT", round)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	// cost 200, price 2: 100 asset units.
	if r.PaymentAmount.Cmp(payment) != 0 {
		t.Fatalf("unexpected payment amount: %s", r.PaymentAmount)
	}
	if r.Round != round {
		t.Fatalf("unexpected round: %d", r.Round)
	}
}

func TestAssetPurchaseRejectsStaleQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	round := f.feed.Advance(scaled(2))
	f.feed.AdvanceTo(round + oracle.MaxRoundDrift + 1)
	f.svc.Mint(buyer, scaled(1000))
	f.svc.Approve(buyer, engineID, scaled(1000))

	_, err := f.engine.Purchase(ctx, buyer, scaled(100), "USDT", round)
	if !errors.Is(err, oracle.ErrStaleQuote) {
		t.Fatalf("expected ErrStaleQuote, got %v", err)
	}
	if f.grants.calls != 0 {
		t.Fatalf("stale quote must abort before the grant")
	}
}

func TestAssetPurchaseChecksFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	round := f.feed.Advance(scaled(2))

	_, err := f.engine.Purchase(ctx, buyer, scaled(100), "USDT", round)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	f.svc.Mint(buyer, big.NewInt(100_000_000))
	_, err = f.engine.Purchase(ctx, buyer, scaled(100), "USDT", round)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	_, err = f.engine.Purchase(ctx, buyer, scaled(100), "GHOST", round)
	if !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestCapRejectionLeavesCountersUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Purchase(ctx, scripter, scaled(10_000), MethodScript, 0); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.Purchase(ctx, scripter, scaled(1), MethodScript, 0)
	if !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("expected ErrCapExceeded, got %v", err)
	}
	cfg := f.engine.Config()
	if cfg.Sold.Cmp(cfg.Cap) != 0 {
		t.Fatalf("rejected purchase must not move counters: sold=%s", cfg.Sold)
	}
	if f.engine.Purchaser(scripter).Tokens.Cmp(scaled(10_000)) != 0 {
		t.Fatalf("unexpected purchase record")
	}
}

func TestInactiveAndMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.SetActive(ctx, boss, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(100), MethodScript, 0); !errors.Is(err, ErrSaleInactive) {
		t.Fatalf("expected ErrSaleInactive, got %v", err)
	}
	if err := f.engine.SetActive(ctx, boss, true); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.SetMinPurchase(ctx, boss, scaled(50)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(49), MethodScript, 0); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

// A 2500 bps discount turns a base cost of 1000 into 750 and is consumed by
// the purchase that uses it.
func TestDiscountSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.UpdateDiscount(ctx, buyer, scripter, 2500); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("discounts are script-role only, got %v", err)
	}
	if err := f.engine.UpdateDiscount(ctx, scripter, scripter, 10_001); !errors.Is(err, ErrInvalidDiscount) {
		t.Fatalf("expected ErrInvalidDiscount, got %v", err)
	}
	if err := f.engine.UpdateDiscount(ctx, scripter, scripter, 2500); err != nil {
		t.Fatal(err)
	}

	r, err := f.engine.Purchase(ctx, scripter, scaled(500), MethodScript, 0)
	if err != nil {
		t.Fatal(err)
	}
	// base cost 1000, 25% off.
	if r.Cost.Cmp(scaled(750)) != 0 {
		t.Fatalf("unexpected discounted cost: %s", r.Cost)
	}
	if f.engine.Discount(scripter) != 0 {
		t.Fatalf("discount must be zeroed after use")
	}
	r, err = f.engine.Purchase(ctx, scripter, scaled(500), MethodScript, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cost.Cmp(scaled(1000)) != 0 {
		t.Fatalf("second purchase must pay full cost: %s", r.Cost)
	}
}

func TestDiscountBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.UpdateDiscountBatch(ctx, scripter, []string{buyer}, nil)
	if !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}
	err = f.engine.UpdateDiscountBatch(ctx, scripter, []string{buyer, treasury}, []uint32{100, 10_001})
	if !errors.Is(err, ErrInvalidDiscount) {
		t.Fatalf("expected ErrInvalidDiscount, got %v", err)
	}
	if f.engine.Discount(buyer) != 0 {
		t.Fatalf("failed batch must not apply partially")
	}
	if err := f.engine.UpdateDiscountBatch(ctx, scripter, []string{buyer, treasury}, []uint32{100, 200}); err != nil {
		t.Fatal(err)
	}
	if f.engine.Discount(treasury) != 200 {
		t.Fatalf("batch discount not applied")
	}
}

func TestUserValueCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Value cap 300: at unit price 2 that is 150 tokens total.
	if err := f.engine.SetUserCap(ctx, boss, scaled(300)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(100), MethodScript, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(100), MethodScript, 0); !errors.Is(err, ErrUserCapExceeded) {
		t.Fatalf("expected ErrUserCapExceeded, got %v", err)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(50), MethodScript, 0); err != nil {
		t.Fatalf("purchase within the cap: %v", err)
	}
}

// Daily cap of two: a third purchase inside 24h is rejected, and succeeds
// once a full day has elapsed.
func TestDailyWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.SetDailyCap(ctx, boss, 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.engine.Purchase(ctx, scripter, scaled(10), MethodScript, 0); err != nil {
			t.Fatal(err)
		}
		*f.clock = f.clock.Add(time.Hour)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(10), MethodScript, 0); !errors.Is(err, ErrDailyCapReached) {
		t.Fatalf("expected ErrDailyCapReached, got %v", err)
	}

	*f.clock = f.clock.Add(24 * time.Hour)
	if _, err := f.engine.Purchase(ctx, scripter, scaled(10), MethodScript, 0); err != nil {
		t.Fatalf("window must reset after a full day: %v", err)
	}
	if f.engine.Purchaser(scripter).WindowCount != 1 {
		t.Fatalf("window count must restart at one")
	}
}

func TestFailedGrantRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.UpdateDiscount(ctx, scripter, scripter, 2500); err != nil {
		t.Fatal(err)
	}
	f.grants.fail = true
	if _, err := f.engine.Purchase(ctx, scripter, scaled(100), MethodScript, 0); err == nil {
		t.Fatalf("expected grant failure to abort the purchase")
	}
	cfg := f.engine.Config()
	if cfg.Sold.Sign() != 0 {
		t.Fatalf("failed purchase must not move cumulative sold: %s", cfg.Sold)
	}
	if f.engine.Purchaser(scripter).Tokens.Sign() != 0 {
		t.Fatalf("failed purchase must not record tokens")
	}
	if f.engine.Discount(scripter) != 2500 {
		t.Fatalf("failed purchase must not consume the discount")
	}
}

func TestPurchaseRespectsPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.guard.SetGeneral(ctx, boss, true); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Purchase(ctx, scripter, scaled(10), MethodScript, 0); !errors.Is(err, pause.ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestAdminSetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.SetUnitPrice(ctx, buyer, scaled(3)); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.SetUnitPrice(ctx, boss, scaled(3)); err != nil {
		t.Fatal(err)
	}
	if f.engine.Config().UnitPrice.Cmp(scaled(3)) != 0 {
		t.Fatalf("unit price not applied")
	}
	if err := f.engine.SetCap(ctx, boss, scaled(0)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	if _, err := f.engine.Purchase(ctx, scripter, scaled(100), MethodScript, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.SetCap(ctx, boss, scaled(50)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("cap below sold must be rejected, got %v", err)
	}
	if err := f.engine.SetTreasury(ctx, boss, " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestWithdrawToTreasury(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Mint(engineID, big.NewInt(500))

	if err := f.engine.Withdraw(ctx, buyer, "USDT", big.NewInt(100)); !errors.Is(err, roles.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, boss, "USDT", big.NewInt(600)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, boss, "USDT", big.NewInt(500)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	bal, _ := f.svc.BalanceOf(ctx, treasury)
	if bal.Int64() != 500 {
		t.Fatalf("treasury did not receive funds: %s", bal)
	}
}
