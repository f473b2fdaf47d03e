package carve

import (
	"fmt"
	"sync"

	"github.com/reshdesu/oopsie-daisy/internal/catalog"
)

// GPUMatcher mirrors the accelerator execution model: the buffer is split
// into fixed compute lanes, every lane brute-tests each window start in its
// partition against the header patterns and emits match flags, and the host
// gathers lane results back into offset order. Lane faults surface as
// ErrMatcherFault so the session can downgrade, never as a panic.
type GPUMatcher struct {
	lanes int
}

// NewGPUMatcher creates a matcher with the given number of compute lanes.
func NewGPUMatcher(lanes int) *GPUMatcher {
	if lanes < 1 {
		lanes = 64
	}
	return &GPUMatcher{lanes: lanes}
}

func (m *GPUMatcher) Name() string { return "gpu" }

// FindMatches dispatches the buffer across lanes and gathers results.
func (m *GPUMatcher) FindMatches(buf []byte, cat *catalog.Catalog) ([]Match, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	lanes := m.lanes
	if lanes > len(buf) {
		lanes = len(buf)
	}
	span := (len(buf) + lanes - 1) / lanes
	prefixes := cat.LookupPrefixes()

	laneResults := make([][]Match, lanes)
	laneErrs := make([]error, lanes)
	var wg sync.WaitGroup
	for lane := 0; lane < lanes; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					laneErrs[lane] = fmt.Errorf("%w: lane %d: %v", ErrMatcherFault, lane, r)
				}
			}()
			lo := lane * span
			hi := lo + span
			if hi > len(buf) {
				hi = len(buf)
			}
			// Window starts belong to exactly one lane; headers may read
			// past the lane boundary into the shared buffer.
			var out []Match
			for pos := lo; pos < hi; pos++ {
				for _, sig := range prefixes[buf[pos]] {
					if cat.MatchHeader(buf, pos, sig) {
						out = append(out, Match{Offset: int64(pos), SignatureID: sig.ID})
					}
				}
			}
			laneResults[lane] = out
		}(lane)
	}
	wg.Wait()

	for _, err := range laneErrs {
		if err != nil {
			return nil, err
		}
	}
	var results []Match
	for _, lr := range laneResults {
		results = append(results, lr...)
	}
	sortMatches(results)
	return results, nil
}
