package algorithm

// QuorumCalculator calculates quorum requirements
type QuorumCalculator struct{}

// NewQuorumCalculator creates a new quorum calculator
func NewQuorumCalculator() *QuorumCalculator {
	return &QuorumCalculator{}
}

// Majority returns the majority of a replica set of the given size
func (q *QuorumCalculator) Majority(totalNodes int) int {
	return (totalNodes / 2) + 1
}

// IsQuorumReached checks if acks satisfy the required count
func (q *QuorumCalculator) IsQuorumReached(acks, required int) bool {
	return acks >= required
}

// CanStillReach reports whether outstanding responses could still lift acks to required
func (q *QuorumCalculator) CanStillReach(acks, pending, required int) bool {
	return acks+pending >= required
}
