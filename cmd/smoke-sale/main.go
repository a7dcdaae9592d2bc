// Command smoke-sale wires the sale core in-process and runs one
// purchase-claim-distribution cycle end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"vestra.org/internal/pause"
	"vestra.org/internal/pool"
	"vestra.org/internal/roles"
	"vestra.org/internal/sale"
	"vestra.org/internal/token"
	"vestra.org/internal/vesting"
)

const (
	owner    = "smoke-owner"
	buyer    = "smoke-buyer"
	treasury = "smoke-treasury"

	engineID = "svc-sale-engine"
	vestID   = "svc-vesting-ledger"
	distID   = "svc-pool-distributor"
)

func main() {
	log.SetFlags(0)
	ctx := context.Background()

	reg, err := roles.NewRegistry(owner, nil)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	guard := pause.NewControl(reg)

	for _, spec := range []roles.Spec{
		{Name: roles.SaleAdmin, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.Script, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.VestingManager, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
		{Name: roles.ApprovedContract, AccountLimit: 5, CreatorRole: roles.Owner, AdminRole: roles.Admin},
	} {
		if _, err := reg.Create(ctx, owner, spec); err != nil {
			log.Fatalf("create role %s: %v", spec.Name, err)
		}
	}
	for role, id := range map[string]string{
		roles.Script:         buyer,
		roles.VestingManager: owner,
	} {
		if err := reg.Grant(ctx, owner, role, id); err != nil {
			log.Fatalf("grant %s: %v", role, err)
		}
	}
	for _, id := range []string{engineID, vestID} {
		if err := reg.Grant(ctx, owner, roles.ApprovedContract, id); err != nil {
			log.Fatalf("grant %s: %v", id, err)
		}
	}

	supply := scaled(1_000_000)
	tok := token.NewInMemory()
	tok.Mint(distID, supply)

	pools, err := pool.NewDistributor(reg, tok, distID, map[string]*big.Int{
		"SeedRound": supply,
	})
	if err != nil {
		log.Fatalf("pools: %v", err)
	}

	vest, err := vesting.NewLedger(reg, guard, pools, vestID)
	if err != nil {
		log.Fatalf("vesting: %v", err)
	}

	engine, err := sale.NewEngine(reg, guard, vest, engineID, sale.Config{
		UnitPrice: scaled(2),
		Cap:       scaled(100_000),
		Treasury:  treasury,
		Active:    true,
		PlanID:    1,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	// Create the plan in the future, then correct the start date back far
	// enough that the schedule has already run out and grants are claimable
	// at once.
	plan, err := vest.CreatePlan(ctx, owner, vesting.PlanSpec{
		StartDate:         time.Now().Add(time.Hour),
		Cliff:             30 * 24 * time.Hour,
		Duration:          365 * 24 * time.Hour,
		InitialReleaseBps: 1000,
		PoolName:          "SeedRound",
	})
	if err != nil {
		log.Fatalf("create plan: %v", err)
	}
	if _, err := vest.CorrectStartDate(ctx, owner, plan.ID, time.Now().Add(-366*24*time.Hour)); err != nil {
		log.Fatalf("correct start date: %v", err)
	}

	amount := scaled(1_000)
	receipt, err := engine.Purchase(ctx, buyer, amount, sale.MethodScript, 0)
	if err != nil {
		log.Fatalf("purchase: %v", err)
	}
	if receipt.Tokens.Cmp(amount) != 0 {
		log.Fatalf("unexpected receipt tokens: %s", receipt.Tokens)
	}

	claimable, err := vest.Claimable(buyer, plan.ID)
	if err != nil {
		log.Fatalf("claimable: %v", err)
	}
	if claimable.Cmp(amount) != 0 {
		log.Fatalf("expected %s claimable, got %s", amount, claimable)
	}

	claimed, err := vest.Claim(ctx, buyer, plan.ID)
	if err != nil {
		log.Fatalf("claim: %v", err)
	}
	bal, err := tok.BalanceOf(ctx, buyer)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if bal.Cmp(claimed) != 0 {
		log.Fatalf("token ledger disagrees: claimed %s, balance %s", claimed, bal)
	}

	p, err := pools.Get("SeedRound")
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	if p.Used.Cmp(claimed) != 0 {
		log.Fatalf("pool usage mismatch: used %s, claimed %s", p.Used, claimed)
	}

	fmt.Printf("✅ sale smoke test passed: purchased=%s claimed=%s cost=%s\n", receipt.Tokens, claimed, receipt.Cost)
}

func scaled(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), sale.Scale)
}
