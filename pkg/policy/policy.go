// Package policy decides whether a group is large enough for a member to
// signal without being trivially identifiable.
package policy

import (
	"fmt"

	"github.com/relves/anonsignal/pkg/types"
)

// DefaultThreshold is the minimum anonymity set used when none is configured.
const DefaultThreshold = 5

// CanSignal reports whether a group of groupSize members meets threshold.
func CanSignal(groupSize, threshold int) bool {
	return groupSize >= threshold
}

// Policy resolves the anonymity threshold for each group.
type Policy struct {
	Default  int
	PerGroup map[types.GroupID]int
}

// New returns a Policy with the given default threshold.
func New(defaultThreshold int) *Policy {
	return &Policy{
		Default:  defaultThreshold,
		PerGroup: make(map[types.GroupID]int),
	}
}

// ThresholdFor returns the threshold applying to id.
func (p *Policy) ThresholdFor(id types.GroupID) int {
	if p == nil {
		return DefaultThreshold
	}
	if t, ok := p.PerGroup[id]; ok {
		return t
	}
	return p.Default
}

// Set overrides the threshold for one group.
func (p *Policy) Set(id types.GroupID, threshold int) {
	if p.PerGroup == nil {
		p.PerGroup = make(map[types.GroupID]int)
	}
	p.PerGroup[id] = threshold
}

// Check returns InsufficientAnonymitySet when a group of size members may not
// signal yet.
func (p *Policy) Check(id types.GroupID, size int) error {
	threshold := p.ThresholdFor(id)
	if !CanSignal(size, threshold) {
		return types.Errorf(types.KindInsufficientAnonymitySet,
			"group %s has %d members, needs %d", id, size, threshold)
	}
	return nil
}

// Validate rejects thresholds below one.
func (p *Policy) Validate() error {
	if p.Default < 1 {
		return fmt.Errorf("policy: default threshold must be at least 1, got %d", p.Default)
	}
	for id, t := range p.PerGroup {
		if t < 1 {
			return fmt.Errorf("policy: threshold for group %s must be at least 1, got %d", id, t)
		}
	}
	return nil
}
