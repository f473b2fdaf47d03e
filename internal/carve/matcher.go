// Package carve locates signature headers in byte buffers. Two matcher
// implementations share one contract; for any buffer they must return the
// identical match set, so the orchestrator can mix them freely across
// chunks without changing scan results.
package carve

import (
	"errors"
	"sort"

	"github.com/reshdesu/oopsie-daisy/internal/catalog"
)

// ErrMatcherFault marks a recoverable matcher failure (driver or lane
// fault). The session downgrades to the CPU path; it never aborts.
var ErrMatcherFault = errors.New("matcher fault")

// Match is one header hit, offset relative to the scanned buffer. Duplicate
// offsets across different signatures are retained; the assembler dedups.
type Match struct {
	Offset      int64
	SignatureID string
}

// Matcher is the strategy contract shared by the CPU and GPU paths.
type Matcher interface {
	Name() string
	// FindMatches returns all header hits in buf in ascending offset order
	// (ties broken by signature id).
	FindMatches(buf []byte, cat *catalog.Catalog) ([]Match, error)
}

// sortMatches establishes the canonical result order both paths emit.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Offset != ms[j].Offset {
			return ms[i].Offset < ms[j].Offset
		}
		return ms[i].SignatureID < ms[j].SignatureID
	})
}
