// Package export shapes candidate lists for presentation: stable records,
// confidence bands, JSON output.
package export

import (
	"encoding/json"
	"io"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
)

// Band labels a confidence score for display.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// BandFor maps a confidence score to its band: above 0.8 high, 0.5 to 0.8
// medium, below 0.5 low.
func BandFor(confidence float64) Band {
	switch {
	case confidence > 0.8:
		return BandHigh
	case confidence >= 0.5:
		return BandMedium
	default:
		return BandLow
	}
}

// Record is one candidate shaped for output.
type Record struct {
	ID            string  `json:"id"`
	Offset        int64   `json:"offset"`
	Length        int64   `json:"length"`
	Category      string  `json:"category"`
	Confidence    float64 `json:"confidence"`
	Band          Band    `json:"band"`
	FooterFound   bool    `json:"footer_found"`
	Status        string  `json:"status"`
	SuggestedName string  `json:"suggested_name"`
}

// FromCandidates converts candidates to records in the given order.
func FromCandidates(cands []assemble.Candidate, order assemble.Order) []Record {
	sorted := make([]assemble.Candidate, len(cands))
	copy(sorted, cands)
	assemble.Sort(sorted, order)

	out := make([]Record, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, Record{
			ID:            c.ID,
			Offset:        c.Offset,
			Length:        c.Length,
			Category:      c.Category,
			Confidence:    c.Confidence,
			Band:          BandFor(c.Confidence),
			FooterFound:   c.FooterFound,
			Status:        string(c.Status),
			SuggestedName: c.SuggestedName(),
		})
	}
	return out
}

// WriteJSON streams records as indented JSON.
func WriteJSON(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
