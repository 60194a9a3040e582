package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"PerpClear/internal/cherr"

	"github.com/stretchr/testify/require"
)

func TestParseWad(t *testing.T) {
	cases := []struct {
		in   string
		want string // raw integer
	}{
		{"", "0"},
		{"1", "1000000000000000000"},
		{"1250.5", "1250500000000000000000"},
		{"-3", "-3000000000000000000"},
		{"0.000000000000000001", "1"},
	}
	for _, tc := range cases {
		got, err := parseWad(tc.in)
		require.NoError(t, err, "parseWad(%q)", tc.in)
		require.Equal(t, tc.want, got.String(), "parseWad(%q)", tc.in)
	}

	_, err := parseWad("not-a-number")
	require.Error(t, err)
}

func TestParseWadOpt(t *testing.T) {
	got, err := parseWadOpt("")
	require.NoError(t, err)
	require.Nil(t, got, "empty optional bound must stay nil, not zero")

	got, err = parseWadOpt("2")
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", got.String())
}

func TestParseRaw(t *testing.T) {
	got, err := parseRaw("")
	require.NoError(t, err)
	require.Zero(t, got.Sign())

	got, err = parseRaw("123456789012345678901234567890")
	require.NoError(t, err)
	require.Equal(t, "123456789012345678901234567890", got.String())

	_, err = parseRaw("12.5")
	require.Error(t, err)
}

func TestWadRendering(t *testing.T) {
	require.Equal(t, "0", wad(nil))
	require.Equal(t, "1", wad(big.NewInt(1e18)))
	require.Equal(t, "1.5", wad(big.NewInt(15e17)))
	require.Equal(t, "-0.25", wad(big.NewInt(-25e16)))

	// Render and parse are inverses on token-scale values.
	for _, s := range []string{"0", "1", "1250.5", "-3.000000000000000001"} {
		v, err := parseWad(s)
		require.NoError(t, err)
		require.Equal(t, s, wad(v), "round trip of %q", s)
	}

	require.Equal(t, "0", raw(nil))
	require.Equal(t, "42", raw(big.NewInt(42)))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{cherr.ErrUnknownMarket, http.StatusNotFound},
		{cherr.ErrUnknownToken, http.StatusNotFound},
		{cherr.ErrOrderNotFound, http.StatusNotFound},
		{cherr.ErrZeroAmount, http.StatusBadRequest},
		{cherr.ErrInvalidAmount, http.StatusBadRequest},
		{cherr.ErrInvalidTickRange, http.StatusBadRequest},
		{cherr.ErrNotApproved, http.StatusForbidden},
		{cherr.ErrMarketPaused, http.StatusConflict},
		{cherr.ErrSlippage, http.StatusConflict},
		{cherr.ErrNotEnoughFreeCollateral, http.StatusConflict},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), "statusFor(%v)", tc.err)
		// Wrapping must not change the mapping.
		require.Equal(t, tc.want, statusFor(fmt.Errorf("op failed: %w", tc.err)))
	}
}

func TestWriteError_Body(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("open position: %w", cherr.ErrMarketPaused))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "PC_MP", body.Error.Code)
	require.Contains(t, body.Error.Message, "market paused")
}
