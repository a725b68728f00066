package service

import "sync"

// RoundRobinAssigner hands out agent ids per desk in rotation. Cursors are
// process-local; a restart begins the rotation over, which only skews the
// first few assignments.
type RoundRobinAssigner struct {
	mu      sync.Mutex
	cursors map[int64]int
}

// NewRoundRobinAssigner builds an assigner.
func NewRoundRobinAssigner() *RoundRobinAssigner {
	return &RoundRobinAssigner{cursors: make(map[int64]int)}
}

// Next returns the next agent for the desk, 0 when the desk has no agents.
func (a *RoundRobinAssigner) Next(deskID int64, agentIDs []int64) int64 {
	if len(agentIDs) == 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.cursors[deskID] % len(agentIDs)
	a.cursors[deskID] = idx + 1
	return agentIDs[idx]
}
