package sale

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"vestra.org/internal/oracle"
	"vestra.org/internal/pause"
	"vestra.org/internal/roles"
	"vestra.org/internal/token"
)

var (
	ErrSaleInactive          = errors.New("sale is not active")
	ErrCapExceeded           = errors.New("sale cap exceeded")
	ErrBelowMinimum          = errors.New("amount below minimum purchase")
	ErrUserCapExceeded       = errors.New("per-user value cap exceeded")
	ErrDailyCapReached       = errors.New("daily purchase cap reached")
	ErrInvalidAmount         = errors.New("invalid amount (must be > 0)")
	ErrInvalidDiscount       = errors.New("discount above 10000 bps")
	ErrBatchMismatch         = errors.New("batch lists differ in length")
	ErrUnknownAsset          = errors.New("unknown payment asset")
	ErrAssetExists           = errors.New("payment asset already registered")
	ErrInvalidAsset          = errors.New("invalid payment asset")
	ErrInsufficientBalance   = errors.New("insufficient payer balance")
	ErrInsufficientAllowance = errors.New("insufficient payer allowance")
	ErrInvalidConfig         = errors.New("invalid sale configuration")
)

// MethodScript is the payment method for purchases settled off-ledger by an
// authorized script. It skips balance and allowance checks entirely.
const MethodScript = "script"

const bpsDenominator = 10_000

// Scale is the fixed-point denominator for 18-decimal base units.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

const dayWindow = 24 * time.Hour

// Config is the mutable sale singleton. Amounts are 18-decimal base units.
type Config struct {
	UnitPrice   *big.Int `json:"unit_price"`
	PlanID      uint64   `json:"plan_id"`
	Sold        *big.Int `json:"cumulative_sold"`
	Cap         *big.Int `json:"sale_cap"`
	MinPurchase *big.Int `json:"minimum_purchase"`
	UserCap     *big.Int `json:"per_user_value_cap"`
	Treasury    string   `json:"treasury"`
	Active      bool     `json:"active"`
	DailyCap    uint32   `json:"daily_purchase_cap"`
}

// PaymentAsset is a registered external payment asset. The decimal scale is
// configuration, never a per-call-site constant.
type PaymentAsset struct {
	Symbol   string
	Decimals uint8 // 0..18
	Feed     *oracle.Adapter
	Token    token.Service

	scale *big.Int // 10^Decimals
}

// PurchaseRecord is the per-identity purchase history.
type PurchaseRecord struct {
	Tokens         *big.Int  `json:"tokens_purchased"`
	WindowCount    uint32    `json:"window_count"`
	LastPurchaseAt time.Time `json:"last_purchase_at"`
}

// Receipt describes one settled purchase.
type Receipt struct {
	Buyer         string   `json:"buyer"`
	Tokens        *big.Int `json:"tokens"`
	Cost          *big.Int `json:"cost"`
	PaymentAmount *big.Int `json:"payment_amount,omitempty"`
	Method        string   `json:"method"`
	PlanID        uint64   `json:"plan_id"`
	Round         uint64   `json:"round,omitempty"`
}

// Granter is the vesting-side collaborator a successful purchase reports to.
type Granter interface {
	Grant(ctx context.Context, caller, beneficiary string, amount *big.Int, planID uint64) (bool, error)
}

// Engine validates purchases against sale limits, converts cost through the
// per-asset price feeds, and records entitlements in the vesting ledger.
type Engine struct {
	mu       sync.Mutex
	reg      *roles.Registry
	guard    *pause.Control
	vest     Granter
	identity string // principal presented to the vesting ledger, and token spender
	now      func() time.Time

	cfg       Config
	assets    map[string]*PaymentAsset
	discounts map[string]uint32
	records   map[string]*PurchaseRecord
}

// NewEngine builds a purchase engine. identity is the principal this
// component presents to the vesting ledger; it must hold the
// approved-contract role there, and it is the spender checked against payer
// allowances.
func NewEngine(reg *roles.Registry, guard *pause.Control, vest Granter, identity string, cfg Config) (*Engine, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: engine identity is required", ErrInvalidConfig)
	}
	if cfg.UnitPrice == nil || cfg.UnitPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: unit price must be positive", ErrInvalidConfig)
	}
	if cfg.Cap == nil || cfg.Cap.Sign() <= 0 {
		return nil, fmt.Errorf("%w: sale cap must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Treasury) == "" {
		return nil, fmt.Errorf("%w: treasury is required", ErrInvalidConfig)
	}
	cfg.UnitPrice = new(big.Int).Set(cfg.UnitPrice)
	cfg.Cap = new(big.Int).Set(cfg.Cap)
	cfg.Sold = new(big.Int)
	if cfg.MinPurchase == nil {
		cfg.MinPurchase = new(big.Int)
	} else {
		cfg.MinPurchase = new(big.Int).Set(cfg.MinPurchase)
	}
	if cfg.UserCap == nil {
		cfg.UserCap = new(big.Int)
	} else {
		cfg.UserCap = new(big.Int).Set(cfg.UserCap)
	}
	return &Engine{
		reg:       reg,
		guard:     guard,
		vest:      vest,
		identity:  identity,
		now:       time.Now,
		cfg:       cfg,
		assets:    make(map[string]*PaymentAsset),
		discounts: make(map[string]uint32),
		records:   make(map[string]*PurchaseRecord),
	}, nil
}

// WithClock overrides the time source (used in tests).
func (e *Engine) WithClock(fn func() time.Time) *Engine {
	if fn != nil {
		e.now = fn
	}
	return e
}

// RegisterAsset adds a payment asset. Sale-admin only. Decimals above 18 are
// rejected; the derived scale factor is fixed at registration.
func (e *Engine) RegisterAsset(ctx context.Context, caller string, asset PaymentAsset) error {
	if !e.isAdmin(caller) {
		return roles.ErrUnauthorized
	}
	asset.Symbol = strings.TrimSpace(asset.Symbol)
	if asset.Symbol == "" || asset.Symbol == MethodScript {
		return fmt.Errorf("%w: symbol %q", ErrInvalidAsset, asset.Symbol)
	}
	if asset.Decimals > 18 {
		return fmt.Errorf("%w: decimals above 18", ErrInvalidAsset)
	}
	if asset.Feed == nil || asset.Token == nil {
		return fmt.Errorf("%w: feed and token service are required", ErrInvalidAsset)
	}
	asset.scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(asset.Decimals)), nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.assets[asset.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, asset.Symbol)
	}
	e.assets[asset.Symbol] = &asset
	return nil
}

// Purchase runs the full purchase pipeline for the caller: limit checks,
// discount, price conversion, balance validation and the vesting grant. Every
// counter commits only after the grant succeeds; any failure leaves the
// engine untouched.
func (e *Engine) Purchase(ctx context.Context, caller string, amount *big.Int, method string, roundRef uint64) (Receipt, error) {
	if err := e.guard.Require("sale", "purchase"); err != nil {
		return Receipt{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	method = strings.TrimSpace(method)
	if method == MethodScript && !e.reg.Has(roles.Script, caller) {
		return Receipt{}, roles.ErrUnauthorized
	}

	// Lock held across the oracle read and the vesting grant; see the
	// concurrency note on Distributor.Distribute.
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Active {
		return Receipt{}, ErrSaleInactive
	}
	nextSold := new(big.Int).Add(e.cfg.Sold, amount)
	if nextSold.Cmp(e.cfg.Cap) > 0 {
		return Receipt{}, ErrCapExceeded
	}
	if amount.Cmp(e.cfg.MinPurchase) < 0 {
		return Receipt{}, ErrBelowMinimum
	}

	cost := new(big.Int).Mul(amount, e.cfg.UnitPrice)
	cost.Div(cost, Scale)
	discount, hadDiscount := e.discounts[caller]
	if hadDiscount && discount > 0 {
		cost.Mul(cost, big.NewInt(int64(bpsDenominator-discount)))
		cost.Div(cost, big.NewInt(bpsDenominator))
	}

	rec := e.records[caller]
	if e.cfg.UserCap.Sign() > 0 {
		existing := new(big.Int)
		if rec != nil {
			existing.Mul(rec.Tokens, e.cfg.UnitPrice)
			existing.Div(existing, Scale)
		}
		if existing.Add(existing, cost).Cmp(e.cfg.UserCap) > 0 {
			return Receipt{}, ErrUserCapExceeded
		}
	}

	receipt := Receipt{
		Buyer:  caller,
		Tokens: new(big.Int).Set(amount),
		Cost:   new(big.Int).Set(cost),
		Method: method,
		PlanID: e.cfg.PlanID,
	}
	if method != MethodScript {
		asset, ok := e.assets[method]
		if !ok {
			return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownAsset, method)
		}
		price, err := asset.Feed.Price(ctx, roundRef)
		if err != nil {
			return Receipt{}, fmt.Errorf("price feed %s: %w", method, err)
		}
		payment := new(big.Int).Mul(cost, asset.scale)
		payment.Div(payment, price)
		receipt.PaymentAmount = payment
		receipt.Round = roundRef

		if err := e.checkFunds(ctx, asset, caller, payment); err != nil {
			return Receipt{}, err
		}
	}

	now := e.now()
	if e.cfg.DailyCap > 0 && rec != nil && rec.WindowCount >= e.cfg.DailyCap &&
		now.Sub(rec.LastPurchaseAt) < dayWindow {
		return Receipt{}, ErrDailyCapReached
	}

	ok, err := e.vest.Grant(ctx, e.identity, caller, amount, e.cfg.PlanID)
	if err != nil {
		return Receipt{}, fmt.Errorf("vesting grant: %w", err)
	}
	if !ok {
		return Receipt{}, errors.New("vesting grant reported failure")
	}

	// Commit.
	if rec == nil {
		rec = &PurchaseRecord{Tokens: new(big.Int)}
		e.records[caller] = rec
	}
	e.cfg.Sold = nextSold
	rec.Tokens.Add(rec.Tokens, amount)
	if e.cfg.DailyCap > 0 {
		if now.Sub(rec.LastPurchaseAt) >= dayWindow {
			rec.WindowCount = 0
		}
		rec.WindowCount++
	}
	rec.LastPurchaseAt = now
	if hadDiscount {
		delete(e.discounts, caller)
	}
	return receipt, nil
}

func (e *Engine) checkFunds(ctx context.Context, asset *PaymentAsset, payer string, payment *big.Int) error {
	bal, err := asset.Token.BalanceOf(ctx, payer)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", payer, err)
	}
	if bal.Cmp(payment) < 0 {
		return ErrInsufficientBalance
	}
	allow, err := asset.Token.Allowance(ctx, payer, e.identity)
	if err != nil {
		return fmt.Errorf("allowance of %s: %w", payer, err)
	}
	if allow.Cmp(payment) < 0 {
		return ErrInsufficientAllowance
	}
	return nil
}

// UpdateDiscount sets one identity's single-use discount. Script-role only.
func (e *Engine) UpdateDiscount(ctx context.Context, caller, identity string, bps uint32) error {
	if !e.reg.Has(roles.Script, caller) {
		return roles.ErrUnauthorized
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	}
	if bps > bpsDenominator {
		return ErrInvalidDiscount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if bps == 0 {
		delete(e.discounts, identity)
		return nil
	}
	e.discounts[identity] = bps
	return nil
}

// UpdateDiscountBatch sets many discounts at once, all or nothing.
func (e *Engine) UpdateDiscountBatch(ctx context.Context, caller string, identities []string, bps []uint32) error {
	if !e.reg.Has(roles.Script, caller) {
		return roles.ErrUnauthorized
	}
	if len(identities) != len(bps) {
		return ErrBatchMismatch
	}
	for i, id := range identities {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: identity %d is empty", ErrInvalidConfig, i)
		}
		if bps[i] > bpsDenominator {
			return fmt.Errorf("%w: entry %d", ErrInvalidDiscount, i)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, id := range identities {
		if bps[i] == 0 {
			delete(e.discounts, id)
			continue
		}
		e.discounts[id] = bps[i]
	}
	return nil
}

// Discount reports one identity's pending discount in basis points.
func (e *Engine) Discount(identity string) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discounts[identity]
}

// Withdraw moves the engine account's balance of one payment asset to the
// treasury. Sale-admin only.
func (e *Engine) Withdraw(ctx context.Context, caller, symbol string, amount *big.Int) error {
	if !e.isAdmin(caller) {
		return roles.ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	asset, ok := e.assets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	bal, err := asset.Token.BalanceOf(ctx, e.identity)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	ok, err = asset.Token.Transfer(ctx, e.identity, e.cfg.Treasury, amount)
	if err != nil {
		return fmt.Errorf("token transfer: %w", err)
	}
	if !ok {
		return errors.New("token transfer reported failure")
	}
	return nil
}

func (e *Engine) isAdmin(caller string) bool {
	return e.reg.Has(roles.SaleAdmin, caller) || e.reg.IsSuperAdmin(caller)
}

func (e *Engine) mutateConfig(caller string, apply func(*Config) error) error {
	if !e.isAdmin(caller) {
		return roles.ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return apply(&e.cfg)
}

// SetUnitPrice updates the token unit price. Sale-admin only.
func (e *Engine) SetUnitPrice(ctx context.Context, caller string, price *big.Int) error {
	return e.mutateConfig(caller, func(c *Config) error {
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: unit price must be positive", ErrInvalidConfig)
		}
		c.UnitPrice = new(big.Int).Set(price)
		return nil
	})
}

// SetPlan points new purchases at a vesting plan. Sale-admin only.
func (e *Engine) SetPlan(ctx context.Context, caller string, planID uint64) error {
	return e.mutateConfig(caller, func(c *Config) error {
		if planID == 0 {
			return fmt.Errorf("%w: plan id is required", ErrInvalidConfig)
		}
		c.PlanID = planID
		return nil
	})
}

// SetCap updates the sale cap. It may not drop below what is already sold.
func (e *Engine) SetCap(ctx context.Context, caller string, cap *big.Int) error {
	return e.mutateConfig(caller, func(c *Config) error {
		if cap == nil || cap.Sign() <= 0 {
			return fmt.Errorf("%w: sale cap must be positive", ErrInvalidConfig)
		}
		if cap.Cmp(c.Sold) < 0 {
			return fmt.Errorf("%w: cap below cumulative sold", ErrInvalidConfig)
		}
		c.Cap = new(big.Int).Set(cap)
		return nil
	})
}

// SetActive flips the sale status. Sale-admin only.
func (e *Engine) SetActive(ctx context.Context, caller string, active bool) error {
	return e.mutateConfig(caller, func(c *Config) error {
		c.Active = active
		return nil
	})
}

// SetTreasury updates the withdrawal target. Sale-admin only.
func (e *Engine) SetTreasury(ctx context.Context, caller, treasury string) error {
	return e.mutateConfig(caller, func(c *Config) error {
		if strings.TrimSpace(treasury) == "" {
			return fmt.Errorf("%w: treasury is required", ErrInvalidConfig)
		}
		c.Treasury = strings.TrimSpace(treasury)
		return nil
	})
}

// SetMinPurchase updates the minimum purchase amount. Sale-admin only.
func (e *Engine) SetMinPurchase(ctx context.Context, caller string, min *big.Int) error {
	return e.mutateConfig(caller, func(c *Config) error {
		if min == nil || min.Sign() < 0 {
			return fmt.Errorf("%w: minimum purchase must be non-negative", ErrInvalidConfig)
		}
		c.MinPurchase = new(big.Int).Set(min)
		return nil
	})
}

// SetUserCap updates the per-user value cap (zero disables it).
func (e *Engine) SetUserCap(ctx context.Context, caller string, cap *big.Int) error {
	return e.mutateConfig(caller, func(c *Config) error {
		if cap == nil || cap.Sign() < 0 {
			return fmt.Errorf("%w: user cap must be non-negative", ErrInvalidConfig)
		}
		c.UserCap = new(big.Int).Set(cap)
		return nil
	})
}

// SetDailyCap updates the per-day purchase-count cap (zero disables it).
func (e *Engine) SetDailyCap(ctx context.Context, caller string, cap uint32) error {
	return e.mutateConfig(caller, func(c *Config) error {
		c.DailyCap = cap
		return nil
	})
}

// Config returns a copy of the sale configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.cfg
	out.UnitPrice = new(big.Int).Set(e.cfg.UnitPrice)
	out.Sold = new(big.Int).Set(e.cfg.Sold)
	out.Cap = new(big.Int).Set(e.cfg.Cap)
	out.MinPurchase = new(big.Int).Set(e.cfg.MinPurchase)
	out.UserCap = new(big.Int).Set(e.cfg.UserCap)
	return out
}

// Purchaser returns one identity's purchase history.
func (e *Engine) Purchaser(identity string) PurchaseRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[identity]
	if !ok {
		return PurchaseRecord{Tokens: new(big.Int)}
	}
	return PurchaseRecord{
		Tokens:         new(big.Int).Set(rec.Tokens),
		WindowCount:    rec.WindowCount,
		LastPurchaseAt: rec.LastPurchaseAt,
	}
}
