package export

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
)

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		confidence float64
		want       Band
	}{
		{0.95, BandHigh},
		{0.81, BandHigh},
		{0.80, BandMedium},
		{0.50, BandMedium},
		{0.49, BandLow},
		{0.0, BandLow},
	}
	for _, c := range cases {
		if got := BandFor(c.confidence); got != c.want {
			t.Errorf("BandFor(%.2f) = %s, want %s", c.confidence, got, c.want)
		}
	}
}

func TestFromCandidatesOrdersAndBands(t *testing.T) {
	cands := []assemble.Candidate{
		{ID: "low", Offset: 100, Confidence: 0.3, Extension: "bin", Status: assemble.StatusPending},
		{ID: "high", Offset: 300, Confidence: 0.9, Extension: "jpg", Status: assemble.StatusPending},
		{ID: "mid", Offset: 200, Confidence: 0.6, Extension: "png", Status: assemble.StatusPending},
	}
	recs := FromCandidates(cands, assemble.OrderByConfidence)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].ID != "high" || recs[1].ID != "mid" || recs[2].ID != "low" {
		t.Fatalf("wrong order: %s, %s, %s", recs[0].ID, recs[1].ID, recs[2].ID)
	}
	if recs[0].Band != BandHigh || recs[1].Band != BandMedium || recs[2].Band != BandLow {
		t.Errorf("wrong bands: %s, %s, %s", recs[0].Band, recs[1].Band, recs[2].Band)
	}
	if recs[0].SuggestedName != "recovered_high.jpg" {
		t.Errorf("suggested name = %s", recs[0].SuggestedName)
	}
	// Input order untouched.
	if cands[0].ID != "low" {
		t.Error("FromCandidates must not reorder its input")
	}
}

func TestWriteJSON(t *testing.T) {
	recs := FromCandidates([]assemble.Candidate{
		{ID: "a", Offset: 10, Length: 20, Confidence: 0.85, Extension: "jpg", Status: assemble.StatusPending},
	}, assemble.OrderByOffset)
	var buf bytes.Buffer
	if err := WriteJSON(&buf, recs); err != nil {
		t.Fatal(err)
	}
	var back []Record
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(back) != 1 || back[0].Band != BandHigh {
		t.Fatalf("unexpected decode: %+v", back)
	}
}
