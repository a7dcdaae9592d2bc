package httpapi

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"vestra.org/internal/ids"
	"vestra.org/internal/obs"
	"vestra.org/internal/sale"
	"vestra.org/internal/stream"
)

type purchaseRequest struct {
	Amount string `json:"amount"`
	Method string `json:"method"`
	Round  uint64 `json:"round,omitempty"`
}

type configFieldRequest struct {
	Value    string `json:"value,omitempty"`
	PlanID   uint64 `json:"plan_id,omitempty"`
	Active   bool   `json:"active,omitempty"`
	Treasury string `json:"treasury,omitempty"`
	Count    uint32 `json:"count,omitempty"`
}

type discountRequest struct {
	Identity   string   `json:"identity,omitempty"`
	Bps        uint32   `json:"bps,omitempty"`
	Identities []string `json:"identities,omitempty"`
	BpsList    []uint32 `json:"bps_list,omitempty"`
}

type registerAssetRequest struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type withdrawRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (a *API) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := a.sale.Purchase(r.Context(), caller, amount, req.Method, req.Round)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}

	obs.CountPurchase(receipt.Method)
	if sold, _ := new(big.Float).SetInt(receipt.Tokens).Float64(); sold > 0 {
		obs.AddTokensSold(sold)
	}
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			ID:        ids.New(),
			Kind:      stream.KindPurchase,
			Identity:  caller,
			Method:    receipt.Method,
			PlanID:    receipt.PlanID,
			Amount:    receipt.Tokens.String(),
			Timestamp: time.Now().UTC(),
		})
	}
	if a.journal != nil {
		if jerr := a.journal.RecordPurchase(r.Context(), caller, receipt.Tokens, receipt.Cost, receipt.Method, receipt.PlanID); jerr != nil {
			log.Printf("journal purchase: %v", jerr)
		}
	}
	a.audit(r.Context(), "sale.purchase", map[string]any{
		"tokens":  receipt.Tokens.String(),
		"cost":    receipt.Cost.String(),
		"method":  receipt.Method,
		"plan_id": receipt.PlanID,
	})
	writeJSON(w, http.StatusCreated, receipt)
}

func (a *API) handleSaleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.sale.Config())
}

func (a *API) handleSaleConfigField(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	field := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sale/config/"), "/")
	var req configFieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	switch field {
	case "unit-price":
		err = a.setAmountField(r, caller, req.Value, a.sale.SetUnitPrice)
	case "cap":
		err = a.setAmountField(r, caller, req.Value, a.sale.SetCap)
	case "min-purchase":
		err = a.setAmountField(r, caller, req.Value, a.sale.SetMinPurchase)
	case "user-cap":
		err = a.setAmountField(r, caller, req.Value, a.sale.SetUserCap)
	case "plan":
		err = a.sale.SetPlan(r.Context(), caller, req.PlanID)
	case "status":
		err = a.sale.SetActive(r.Context(), caller, req.Active)
	case "treasury":
		err = a.sale.SetTreasury(r.Context(), caller, req.Treasury)
	case "daily-cap":
		err = a.sale.SetDailyCap(r.Context(), caller, req.Count)
	default:
		writeError(w, r, http.StatusNotFound, "unknown config field")
		return
	}
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "sale.config.update", map[string]any{"field": field})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setAmountField(r *http.Request, caller, raw string, set func(context.Context, string, *big.Int) error) error {
	v, err := parseAmount(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", sale.ErrInvalidConfig, err)
	}
	return set(r.Context(), caller, v)
}

func (a *API) handleDiscounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req discountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if len(req.Identities) > 0 || len(req.BpsList) > 0 {
		err = a.sale.UpdateDiscountBatch(r.Context(), caller, req.Identities, req.BpsList)
	} else {
		err = a.sale.UpdateDiscount(r.Context(), caller, req.Identity, req.Bps)
	}
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "sale.discount.update", map[string]any{
		"count": max(len(req.Identities), 1),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if a.feed == nil || a.token == nil {
		writeError(w, r, http.StatusServiceUnavailable, "asset backend unavailable")
		return
	}
	var req registerAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.sale.RegisterAsset(r.Context(), caller, sale.PaymentAsset{
		Symbol:   req.Symbol,
		Decimals: req.Decimals,
		Feed:     a.feed,
		Token:    a.token,
	})
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "sale.asset.register", map[string]any{
		"symbol":   req.Symbol,
		"decimals": req.Decimals,
	})
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sale.Withdraw(r.Context(), caller, req.Asset, amount); err != nil {
		handleCoreError(w, r, err)
		return
	}
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			ID:        ids.New(),
			Kind:      stream.KindWithdrawal,
			Identity:  caller,
			Method:    req.Asset,
			Amount:    amount.String(),
			Timestamp: time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "sale.withdraw", map[string]any{
		"asset":  req.Asset,
		"amount": amount.String(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePurchaser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sale/purchasers/"), "/")
	if identity == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	rec := a.sale.Purchaser(identity)
	resp := map[string]any{
		"identity":         identity,
		"tokens_purchased": rec.Tokens.String(),
		"window_count":     rec.WindowCount,
	}
	if !rec.LastPurchaseAt.IsZero() {
		resp["last_purchase_at"] = rec.LastPurchaseAt.UTC().Format(time.RFC3339)
	}
	if a.journal != nil {
		if total, err := a.journal.PurchaserTotal(r.Context(), identity); err == nil {
			resp["journaled_tokens"] = total.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
