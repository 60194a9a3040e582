// Package clock abstracts the execution environment's notion of time.
// The engine never reads the wall clock directly: deadlines compare against
// Now(), the circuit breaker scopes tick movement to BlockNumber(), and
// funding integrates over Now() deltas. Tests drive a Manual clock.
package clock

import "time"

// Clock supplies the current timestamp (unix seconds) and block number.
type Clock interface {
	Now() int64
	BlockNumber() int64
}

// Real derives the block number from wall time at one block per second.
type Real struct{}

func (Real) Now() int64         { return time.Now().Unix() }
func (Real) BlockNumber() int64 { return time.Now().Unix() }

// Manual is a hand-advanced clock for tests and deterministic replays.
type Manual struct {
	Time  int64
	Block int64
}

func NewManual(t int64) *Manual { return &Manual{Time: t, Block: 1} }

func (m *Manual) Now() int64         { return m.Time }
func (m *Manual) BlockNumber() int64 { return m.Block }

// Advance moves time forward by d seconds without changing the block.
func (m *Manual) Advance(d int64) { m.Time += d }

// NextBlock advances one block and d seconds.
func (m *Manual) NextBlock(d int64) {
	m.Block++
	m.Time += d
}
