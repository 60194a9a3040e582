package num

import "math/big"

// ExecutableCloseSize decides how much of a position a close may actually
// unwind. When the full remaining size is executable it is returned verbatim;
// when it is not (price-infeasible close, e.g. the breaker would trip), the
// configured partial-close ratio is applied to the remaining size instead.
// Kept free of engine state so the orchestration path and tests share one
// definition.
func ExecutableCloseSize(remaining *big.Int, fullCloseFeasible bool, partialCloseRatioPpm int64) *big.Int {
	if fullCloseFeasible {
		return Clone(remaining)
	}
	return PpmMul(remaining, partialCloseRatioPpm, RoundDown)
}
