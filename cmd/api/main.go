package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vestra.org/internal/httpapi"
	"vestra.org/internal/obs"
	"vestra.org/internal/oracle"
	"vestra.org/internal/pause"
	"vestra.org/internal/pool"
	"vestra.org/internal/roles"
	"vestra.org/internal/sale"
	"vestra.org/internal/store/pg"
	"vestra.org/internal/stream"
	"vestra.org/internal/token"
	"vestra.org/internal/vesting"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Service identities on the role registry. The "svc-" prefix marks them as
// composite accounts for the classifier.
const (
	engineIdentity      = "svc-sale-engine"
	distributorIdentity = "svc-pool-distributor"
	vestingIdentity     = "svc-vesting-ledger"
)

// Allocation pool ceilings in whole tokens; scaled to base units at startup.
var defaultPools = map[string]int64{
	"Team":             150_000_000,
	"Foundation":       100_000_000,
	"AngelRound":       20_000_000,
	"SeedRound":        50_000_000,
	"PrivateRound1":    40_000_000,
	"PrivateRound2":    40_000_000,
	"Advisors":         20_000_000,
	"KOLRound":         10_000_000,
	"Marketing":        60_000_000,
	"StakingRewards":   120_000_000,
	"EcosystemReserve": 180_000_000,
	"Airdrop":          30_000_000,
	"LiquidityPool":    80_000_000,
	"PublicAllocation": 100_000_000,
}

func main() {
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	owner := getenv("VESTRA_OWNER", "dev-owner")
	treasury := getenv("VESTRA_TREASURY", "dev-treasury")
	addr := getenv("VESTRA_ADDR", ":8080")

	ctx := context.Background()

	reg, err := roles.NewRegistry(owner, serviceClassifier)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	guard := pause.NewControl(reg)
	if err := seedRoles(ctx, reg, owner); err != nil {
		log.Fatalf("seed roles: %v", err)
	}

	// Token ledger and pools. The in-memory ledger stands in for the external
	// token service; the distributor account is funded with the sum of all
	// pool ceilings.
	tok := token.NewInMemory()
	ceilings := make(map[string]*big.Int, len(defaultPools))
	supply := new(big.Int)
	for name, tokens := range defaultPools {
		c := new(big.Int).Mul(big.NewInt(tokens), sale.Scale)
		ceilings[name] = c
		supply.Add(supply, c)
	}
	tok.Mint(distributorIdentity, supply)

	pools, err := pool.NewDistributor(reg, tok, distributorIdentity, ceilings)
	if err != nil {
		log.Fatalf("pools: %v", err)
	}

	vest, err := vesting.NewLedger(reg, guard, pools, vestingIdentity)
	if err != nil {
		log.Fatalf("vesting: %v", err)
	}

	engine, err := sale.NewEngine(reg, guard, vest, engineIdentity, sale.Config{
		UnitPrice: amountEnv("VESTRA_UNIT_PRICE", sale.Scale),
		Cap:       amountEnv("VESTRA_SALE_CAP", ceilings["PublicAllocation"]),
		Treasury:  treasury,
		Active:    getenv("VESTRA_SALE_ACTIVE", "true") == "true",
	})
	if err != nil {
		log.Fatalf("sale engine: %v", err)
	}

	// Components authenticate to each other through the registry.
	for _, id := range []string{engineIdentity, vestingIdentity} {
		if err := reg.Grant(ctx, owner, roles.ApprovedContract, id); err != nil {
			log.Fatalf("grant %s: %v", id, err)
		}
	}

	// Dev price feed: one round at the unit price. Production wiring replaces
	// the static feed with the real oracle adapter.
	feed := oracle.NewStaticFeed()
	feed.Advance(amountEnv("VESTRA_FEED_PRICE", sale.Scale))

	// Optional Postgres journal; /readyz pings it when configured.
	var probe httpapi.ReadyProbe
	var journal httpapi.Journal
	var journalStore *pg.Store
	if dsn := os.Getenv("VESTRA_PG_DSN"); dsn != "" {
		journalStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open journal db: %v", err)
		}
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := journalStore.EnsureSchema(schemaCtx); err != nil {
			cancel()
			log.Fatalf("journal schema: %v", err)
		}
		cancel()
		probe.DB = journalStore.DB()
		journal = journalStore
	}

	api := httpapi.New(httpapi.Options{
		Version:    version,
		ReadyProbe: probe,
		Registry:   reg,
		Pause:      guard,
		Sale:       engine,
		Vesting:    vest,
		Pools:      pools,
		Stream:     stream.New(),
		Journal:    journal,
		Feed:       oracle.NewAdapter(feed),
		Token:      tok,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vestra-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if journalStore != nil {
		_ = journalStore.Close()
	}
	log.Println("Stopped")
}

// seedRoles creates the well-known roles the sale core authorizes against.
func seedRoles(ctx context.Context, reg *roles.Registry, owner string) error {
	specs := []roles.Spec{
		{Name: roles.SaleAdmin, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.Script, AccountLimit: 10, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.VestingManager, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.ApprovedContract, AccountLimit: 10, CreatorRole: roles.Owner, AdminRole: roles.Admin, ForContracts: true},
	}
	for _, spec := range specs {
		if _, err := reg.Create(ctx, owner, spec); err != nil {
			return err
		}
	}
	return nil
}

// serviceClassifier treats "svc-" identities as composite accounts.
func serviceClassifier(ctx context.Context, identity string) (bool, error) {
	return strings.HasPrefix(identity, "svc-"), nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// amountEnv reads a base-unit decimal amount from the environment.
func amountEnv(key string, fallback *big.Int) *big.Int {
	raw := os.Getenv(key)
	if raw == "" {
		return new(big.Int).Set(fallback)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		log.Fatalf("%s: invalid amount %q", key, raw)
	}
	return v
}
