package httpapi

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vestra.org/internal/ids"
	"vestra.org/internal/obs"
	"vestra.org/internal/stream"
	"vestra.org/internal/vesting"
)

type createPlanRequest struct {
	StartDate         time.Time `json:"start_date"`
	CliffSeconds      int64     `json:"cliff_seconds"`
	DurationSeconds   int64     `json:"duration_seconds"`
	InitialReleaseBps uint32    `json:"initial_release_bps"`
	Pool              string    `json:"pool"`
}

type startDateRequest struct {
	StartDate time.Time `json:"start_date"`
}

type claimRequest struct {
	PlanID uint64 `json:"plan_id"`
}

type debtRequest struct {
	Identity string `json:"identity"`
	Amount   string `json:"amount"`
}

type grantRequest struct {
	PlanID        uint64   `json:"plan_id"`
	Beneficiaries []string `json:"beneficiaries"`
	Amounts       []string `json:"amounts"`
}

func (a *API) handlePlansCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req createPlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := a.vest.CreatePlan(r.Context(), caller, vesting.PlanSpec{
		StartDate:         req.StartDate,
		Cliff:             time.Duration(req.CliffSeconds) * time.Second,
		Duration:          time.Duration(req.DurationSeconds) * time.Second,
		InitialReleaseBps: req.InitialReleaseBps,
		PoolName:          req.Pool,
	})
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "vesting.plan.create", map[string]any{
		"plan_id": plan.ID,
		"pool":    plan.PoolName,
	})
	w.Header().Set("Location", "/v1/vesting/plans/"+strconv.FormatUint(plan.ID, 10))
	writeJSON(w, http.StatusCreated, plan)
}

func (a *API) handlePlanResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/vesting/plans/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	planID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "plan id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		plan, err := a.vest.GetPlan(planID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)

	case len(parts) == 2 && parts[1] == "start-date":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.correctStartDate(w, r, planID)

	case len(parts) == 2 && parts[1] == "grants":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.grantVesting(w, r, planID)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) correctStartDate(w http.ResponseWriter, r *http.Request, planID uint64) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req startDateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := a.vest.CorrectStartDate(r.Context(), caller, planID, req.StartDate)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "vesting.plan.start_date", map[string]any{
		"plan_id":    planID,
		"start_date": plan.StartDate.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, plan)
}

// grantVesting records entitlements directly, for approved-contract callers
// operating outside the purchase path (airdrops, migrations).
func (a *API) grantVesting(w http.ResponseWriter, r *http.Request, planID uint64) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanID != 0 && req.PlanID != planID {
		writeError(w, r, http.StatusBadRequest, "plan_id does not match path")
		return
	}
	parsed, err := parseAmounts(req.Amounts)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.vest.GrantBatch(r.Context(), caller, req.Beneficiaries, parsed, planID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "vesting.grant", map[string]any{
		"plan_id": planID,
		"count":   len(req.Beneficiaries),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClaimable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		if id, ok := a.caller(w, r); ok {
			identity = id
		} else {
			return
		}
	}
	planID, err := strconv.ParseUint(strings.TrimSpace(r.URL.Query().Get("plan")), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "plan must be a positive integer")
		return
	}
	amount, err := a.vest.Claimable(identity, planID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":  identity,
		"plan_id":   planID,
		"claimable": amount.String(),
	})
}

func (a *API) handleClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	claimed, err := a.vest.Claim(r.Context(), caller, req.PlanID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	plan, _ := a.vest.GetPlan(req.PlanID)

	obs.CountClaim()
	obs.CountDistribution(plan.PoolName)
	if a.stream != nil {
		now := time.Now().UTC()
		a.stream.Publish(stream.Event{
			ID:        ids.New(),
			Kind:      stream.KindClaim,
			Identity:  caller,
			Pool:      plan.PoolName,
			PlanID:    req.PlanID,
			Amount:    claimed.String(),
			Timestamp: now,
		})
		a.stream.Publish(stream.Event{
			ID:        ids.New(),
			Kind:      stream.KindDistribution,
			Identity:  caller,
			Pool:      plan.PoolName,
			Amount:    claimed.String(),
			Timestamp: now,
		})
	}
	if a.journal != nil {
		if jerr := a.journal.RecordClaim(r.Context(), caller, req.PlanID, claimed, plan.PoolName); jerr != nil {
			log.Printf("journal claim: %v", jerr)
		}
		if jerr := a.journal.RecordDistribution(r.Context(), plan.PoolName, caller, claimed); jerr != nil {
			log.Printf("journal distribution: %v", jerr)
		}
	}
	a.audit(r.Context(), "vesting.claim", map[string]any{
		"plan_id": req.PlanID,
		"pool":    plan.PoolName,
		"amount":  claimed.String(),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"plan_id": req.PlanID,
		"pool":    plan.PoolName,
		"amount":  claimed.String(),
	})
}

func (a *API) handleDebts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req debtRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.vest.ApplyDebt(r.Context(), caller, req.Identity, amount); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "vesting.debt", map[string]any{
		"identity": req.Identity,
		"amount":   amount.String(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/vesting/holders/"), "/")
	if identity == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	stat := a.vest.Holder(identity)
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"vested":   stat.Vested.String(),
		"claimed":  stat.Claimed.String(),
		"balances": a.vest.Balances(identity),
	})
}
