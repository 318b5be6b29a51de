package detserve

import "sync/atomic"

// IDGenerator hands out incremental IDs for detection results
type IDGenerator struct {
	id atomic.Int64
}

// NewIDGenerator returns a generator starting from 1
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next incremental ID
func (g *IDGenerator) Next() int64 {
	return g.id.Add(1)
}
