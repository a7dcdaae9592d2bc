package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"vestra.org/api/spec"
	"vestra.org/internal/obs"
	"vestra.org/internal/oracle"
	"vestra.org/internal/pause"
	"vestra.org/internal/pool"
	"vestra.org/internal/roles"
	"vestra.org/internal/sale"
	"vestra.org/internal/stream"
	"vestra.org/internal/token"
	"vestra.org/internal/vesting"
)

// ReadyProbe is the readiness check (pings the journal DB when present).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Journal is the optional append-only record of settled operations. Journal
// failures are logged, never surfaced to the caller.
type Journal interface {
	RecordPurchase(ctx context.Context, buyer string, tokens, cost *big.Int, method string, planID uint64) error
	RecordClaim(ctx context.Context, claimer string, planID uint64, amount *big.Int, pool string) error
	RecordDistribution(ctx context.Context, pool, recipient string, amount *big.Int) error
	PurchaserTotal(ctx context.Context, buyer string) (*big.Int, error)
}

// Options wires the sale core into the HTTP layer.
type Options struct {
	Version    string
	ReadyProbe ReadyProbe

	Registry *roles.Registry
	Pause    *pause.Control
	Sale     *sale.Engine
	Vesting  *vesting.Ledger
	Pools    *pool.Distributor
	Stream   *stream.Stream
	Journal  Journal

	// Backends handed to payment assets registered over HTTP.
	Feed  *oracle.Adapter
	Token token.Service

	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer over the sale core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	reg     *roles.Registry
	guard   *pause.Control
	sale    *sale.Engine
	vest    *vesting.Ledger
	pools   *pool.Distributor
	stream  *stream.Stream
	journal Journal
	feed    *oracle.Adapter
	token   token.Service

	rateBurst  int
	ratePerSec int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.ReadyProbe,
		version:    opts.Version,
		reg:        opts.Registry,
		guard:      opts.Pause,
		sale:       opts.Sale,
		vest:       opts.Vesting,
		pools:      opts.Pools,
		stream:     opts.Stream,
		journal:    opts.Journal,
		feed:       opts.Feed,
		token:      opts.Token,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSecond,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// roles
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)

	// pause
	a.mux.HandleFunc("/v1/pause", a.handlePause)
	a.mux.HandleFunc("/v1/unpause", a.handleUnpause)
	a.mux.HandleFunc("/v1/pause/general", a.handleGeneralPause)
	a.mux.HandleFunc("/v1/pause/pausers", a.handlePausers)
	a.mux.HandleFunc("/v1/pause/state", a.handlePauseState)

	// sale
	a.mux.HandleFunc("/v1/sale/purchases", a.handlePurchases)
	a.mux.HandleFunc("/v1/sale/config", a.handleSaleConfig)
	a.mux.HandleFunc("/v1/sale/config/", a.handleSaleConfigField)
	a.mux.HandleFunc("/v1/sale/discounts", a.handleDiscounts)
	a.mux.HandleFunc("/v1/sale/assets", a.handleAssets)
	a.mux.HandleFunc("/v1/sale/withdrawals", a.handleWithdrawals)
	a.mux.HandleFunc("/v1/sale/purchasers/", a.handlePurchaser)

	// vesting
	a.mux.HandleFunc("/v1/vesting/plans", a.handlePlansCollection)
	a.mux.HandleFunc("/v1/vesting/plans/", a.handlePlanResource)
	a.mux.HandleFunc("/v1/vesting/claimable", a.handleClaimable)
	a.mux.HandleFunc("/v1/vesting/claims", a.handleClaims)
	a.mux.HandleFunc("/v1/vesting/debts", a.handleDebts)
	a.mux.HandleFunc("/v1/vesting/holders/", a.handleHolder)

	// pools
	a.mux.HandleFunc("/v1/pools", a.handlePools)
	a.mux.HandleFunc("/v1/pools/", a.handlePoolResource)

	// events
	a.mux.HandleFunc("/v1/events/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vestra-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vestra-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
