package cherr_test

import (
	"errors"
	"fmt"
	"testing"

	"PerpClear/internal/cherr"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{cherr.ErrZeroAmount, "PC_ZA"},
		{cherr.ErrOverPriceBand, "PC_PB"},
		{cherr.ErrNotApproved, "PC_NA"},
		{fmt.Errorf("open position: %w", cherr.ErrMarketPaused), "PC_MP"},
		{fmt.Errorf("a: %w", fmt.Errorf("b: %w", cherr.ErrSlippage)), "PC_SL"},
		{errors.New("something else"), "internal"},
		{nil, "internal"},
	}
	for _, tc := range cases {
		if got := cherr.Code(tc.err); got != tc.want {
			t.Errorf("Code(%v): got %q, want %q", tc.err, got, tc.want)
		}
	}
}
