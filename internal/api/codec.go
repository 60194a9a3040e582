package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"PerpClear/internal/cherr"

	"github.com/shopspring/decimal"
)

// Wad amounts cross the API as decimal strings ("1250.5"), never raw 1e18
// integers. Liquidity is a raw integer string since it has no token scale.

func parseWad(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(18).Truncate(0).BigInt(), nil
}

// parseWadOpt returns nil for the empty string, for optional bounds.
func parseWadOpt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseWad(s)
}

func parseRaw(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("not an integer: " + s)
	}
	return v, nil
}

func wad(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -18).String()
}

func raw(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = cherr.Code(err)
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(err), body)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = "bad_request"
	body.Error.Message = err.Error()
	writeJSON(w, http.StatusBadRequest, body)
}

// statusFor maps engine errors onto HTTP: missing referents are 404,
// malformed requests 400, authorization 403, rejected preconditions 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cherr.ErrUnknownMarket),
		errors.Is(err, cherr.ErrUnknownToken),
		errors.Is(err, cherr.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, cherr.ErrZeroAmount),
		errors.Is(err, cherr.ErrInvalidAmount),
		errors.Is(err, cherr.ErrInvalidTickRange):
		return http.StatusBadRequest
	case errors.Is(err, cherr.ErrNotApproved):
		return http.StatusForbidden
	case cherr.Code(err) == "internal":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}
