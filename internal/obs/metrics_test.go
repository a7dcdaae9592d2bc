package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/roles/sale-admin":              "/v1/roles/:name",
		"/v1/roles/sale-admin/grant":        "/v1/roles/:name/grant",
		"/v1/sale/config/unit-price":        "/v1/sale/config/:field",
		"/v1/sale/purchases":                "/v1/sale/purchases",
		"/v1/sale/purchasers/abc":           "/v1/sale/purchasers/:identity",
		"/v1/vesting/plans/7":               "/v1/vesting/plans/:id",
		"/v1/vesting/plans/7/start-date":    "/v1/vesting/plans/:id/start-date",
		"/v1/vesting/holders/abc":           "/v1/vesting/holders/:identity",
		"/v1/pools/SeedRound":               "/v1/pools/:name",
		"/v1/vesting/claimable?plan=1":      "/v1/vesting/claimable",
		"/v1/pools":                         "/v1/pools",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
