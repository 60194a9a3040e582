package amm

import "github.com/google/uuid"

// MemoryApprovals is an in-memory capability registry for delegated trading,
// used by tests and the local daemon. The production registry is external.
type MemoryApprovals struct {
	grants map[approvalKey]uint8
}

type approvalKey struct {
	trader   uuid.UUID
	delegate uuid.UUID
}

func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{grants: make(map[approvalKey]uint8)}
}

// Approve grants the delegate the given capability bits for the trader.
func (m *MemoryApprovals) Approve(trader, delegate uuid.UUID, actions uint8) {
	m.grants[approvalKey{trader, delegate}] |= actions
}

// Revoke clears the given capability bits.
func (m *MemoryApprovals) Revoke(trader, delegate uuid.UUID, actions uint8) {
	m.grants[approvalKey{trader, delegate}] &^= actions
}

func (m *MemoryApprovals) HasApprovalFor(trader, delegate uuid.UUID, action uint8) bool {
	return m.grants[approvalKey{trader, delegate}]&action == action
}
