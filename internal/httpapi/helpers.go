package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"vestra.org/internal/audit"
	"vestra.org/internal/authn"
	"vestra.org/internal/oracle"
	"vestra.org/internal/pause"
	"vestra.org/internal/pool"
	"vestra.org/internal/roles"
	"vestra.org/internal/sale"
	"vestra.org/internal/token"
	"vestra.org/internal/vesting"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// parseAmount reads a decimal base-unit amount. Amounts travel as strings:
// 18-decimal values overflow JSON numbers.
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return v, nil
}

func parseAmounts(raw []string) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(raw))
	for i, s := range raw {
		v, err := parseAmount(s)
		if err != nil {
			return nil, fmt.Errorf("amount %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// caller returns the authenticated identity or writes a 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := authn.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return identity, true
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// handleCoreError maps sale-core sentinel errors onto HTTP statuses:
// authorization 403, validation 400, state conflicts 409, external
// dependencies 502 (a stale quote is a state the caller can fix, 409), the
// daily window 429.
func handleCoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, roles.ErrUnauthorized),
		errors.Is(err, roles.ErrNotSelf),
		errors.Is(err, roles.ErrRestricted):
		writeError(w, r, http.StatusForbidden, err.Error())

	case errors.Is(err, roles.ErrInvalidRole),
		errors.Is(err, pause.ErrInvalidKey),
		errors.Is(err, sale.ErrInvalidAmount),
		errors.Is(err, sale.ErrInvalidDiscount),
		errors.Is(err, sale.ErrInvalidConfig),
		errors.Is(err, sale.ErrInvalidAsset),
		errors.Is(err, sale.ErrBatchMismatch),
		errors.Is(err, vesting.ErrInvalidPlan),
		errors.Is(err, vesting.ErrInvalidAmount),
		errors.Is(err, vesting.ErrBatchMismatch),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInvalidPool):
		writeError(w, r, http.StatusBadRequest, err.Error())

	case errors.Is(err, roles.ErrRoleNotFound),
		errors.Is(err, vesting.ErrPlanNotFound),
		errors.Is(err, pool.ErrPoolNotFound),
		errors.Is(err, sale.ErrUnknownAsset):
		writeError(w, r, http.StatusNotFound, err.Error())

	case errors.Is(err, sale.ErrDailyCapReached):
		writeError(w, r, http.StatusTooManyRequests, err.Error())

	case errors.Is(err, roles.ErrRoleExists),
		errors.Is(err, roles.ErrRoleInactive),
		errors.Is(err, roles.ErrLimitReached),
		errors.Is(err, roles.ErrAlreadyGranted),
		errors.Is(err, roles.ErrNotGranted),
		errors.Is(err, pause.ErrPaused),
		errors.Is(err, pause.ErrNoPauserRole),
		errors.Is(err, sale.ErrSaleInactive),
		errors.Is(err, sale.ErrCapExceeded),
		errors.Is(err, sale.ErrBelowMinimum),
		errors.Is(err, sale.ErrUserCapExceeded),
		errors.Is(err, sale.ErrAssetExists),
		errors.Is(err, vesting.ErrStartDateNotEarlier),
		errors.Is(err, vesting.ErrNothingToClaim),
		errors.Is(err, vesting.ErrDebtExceedsVested),
		errors.Is(err, pool.ErrPoolExhausted),
		errors.Is(err, pool.ErrSelfTransfer),
		errors.Is(err, oracle.ErrStaleQuote):
		writeError(w, r, http.StatusConflict, err.Error())

	case errors.Is(err, sale.ErrInsufficientBalance),
		errors.Is(err, sale.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, oracle.ErrInvalidPrice):
		writeError(w, r, http.StatusBadGateway, err.Error())

	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
