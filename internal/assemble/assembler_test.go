package assemble

import (
	"context"
	"log/slog"
	"math/rand"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/reshdesu/oopsie-daisy/internal/carve"
	"github.com/reshdesu/oopsie-daisy/internal/catalog"
	"github.com/reshdesu/oopsie-daisy/internal/device"
)

// fillNeutral fills buf with pseudo-random bytes from an alphabet that no
// catalog header starts with, so synthetic buffers contain no accidental
// hits.
func fillNeutral(buf []byte, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range buf {
		buf[i] = byte('a' + rng.Intn(5))
	}
}

func newAssembler(t *testing.T) (*Assembler, *catalog.Catalog) {
	t.Helper()
	cat := catalog.Builtin()
	return New(cat, slog.Default(), otel.Meter("test")), cat
}

func TestFooterBoundedExtent(t *testing.T) {
	a, cat := newAssembler(t)
	jpg, _ := cat.ByID("jpg")

	buf := make([]byte, 16<<10)
	fillNeutral(buf, 1)
	const off = 1024
	copy(buf[off:], jpg.Header)
	footerAt := off + 4000
	copy(buf[footerAt:], jpg.Footer)

	target := device.NewBuffer("synthetic", buf)
	cands, err := a.Assemble(context.Background(), target, []carve.Match{{Offset: off, SignatureID: "jpg"}})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	c := cands[0]
	if c.Offset != off {
		t.Errorf("offset = %d, want %d", c.Offset, off)
	}
	wantLen := int64(footerAt + len(jpg.Footer) - off)
	if c.Length != wantLen {
		t.Errorf("length = %d, want %d", c.Length, wantLen)
	}
	if !c.FooterFound {
		t.Errorf("footer must be marked found")
	}
	if c.Status != StatusPending {
		t.Errorf("fresh candidate must be pending, got %s", c.Status)
	}
	if c.Confidence <= 0.8 {
		t.Errorf("intact header+footer candidate should score high, got %f", c.Confidence)
	}
}

func TestOverlappingSameSignatureCollapses(t *testing.T) {
	a, cat := newAssembler(t)
	jpg, _ := cat.ByID("jpg")

	buf := make([]byte, 16<<10)
	fillNeutral(buf, 2)
	copy(buf[100:], jpg.Header)
	copy(buf[200:], jpg.Header)
	copy(buf[3000:], jpg.Footer)

	target := device.NewBuffer("synthetic", buf)
	hits := []carve.Match{
		{Offset: 100, SignatureID: "jpg"},
		{Offset: 200, SignatureID: "jpg"},
	}
	cands, err := a.Assemble(context.Background(), target, hits)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("overlapping hits must collapse to one survivor, got %d", len(cands))
	}
	if cands[0].Offset != 100 {
		t.Errorf("earliest offset must win, got %d", cands[0].Offset)
	}
}

func TestTruncatedFooterLowersConfidence(t *testing.T) {
	a, cat := newAssembler(t)
	jpg, _ := cat.ByID("jpg")

	intact := make([]byte, 8<<10)
	fillNeutral(intact, 3)
	copy(intact[512:], jpg.Header)
	copy(intact[4000:], jpg.Footer)

	truncated := make([]byte, len(intact))
	copy(truncated, intact)
	fillNeutral(truncated[4000:4000+len(jpg.Footer)], 4) // overwrite the footer

	hit := []carve.Match{{Offset: 512, SignatureID: "jpg"}}
	withFooter, err := a.Assemble(context.Background(), device.NewBuffer("intact", intact), hit)
	if err != nil {
		t.Fatal(err)
	}
	withoutFooter, err := a.Assemble(context.Background(), device.NewBuffer("truncated", truncated), hit)
	if err != nil {
		t.Fatal(err)
	}
	if len(withFooter) != 1 || len(withoutFooter) != 1 {
		t.Fatalf("expected one candidate each")
	}
	if withoutFooter[0].Confidence >= withFooter[0].Confidence {
		t.Fatalf("truncated footer must strictly lower confidence: %f >= %f",
			withoutFooter[0].Confidence, withFooter[0].Confidence)
	}
}

func TestZeroFilledPayloadPenalized(t *testing.T) {
	a, cat := newAssembler(t)
	jpg, _ := cat.ByID("jpg")

	zeroed := make([]byte, 8<<10)
	copy(zeroed[100:], jpg.Header)
	copy(zeroed[4000:], jpg.Footer)

	real := make([]byte, 8<<10)
	fillNeutral(real, 5)
	copy(real[100:], jpg.Header)
	copy(real[4000:], jpg.Footer)

	hit := []carve.Match{{Offset: 100, SignatureID: "jpg"}}
	z, err := a.Assemble(context.Background(), device.NewBuffer("zeroed", zeroed), hit)
	if err != nil {
		t.Fatal(err)
	}
	r, err := a.Assemble(context.Background(), device.NewBuffer("real", real), hit)
	if err != nil {
		t.Fatal(err)
	}
	if z[0].Confidence >= r[0].Confidence {
		t.Fatalf("zero-filled payload must score lower: %f >= %f", z[0].Confidence, r[0].Confidence)
	}
}

func TestFooterlessTruncatedAtNextCandidate(t *testing.T) {
	a, cat := newAssembler(t)
	gif, _ := cat.ByID("gif")
	png, _ := cat.ByID("png")

	buf := make([]byte, 8<<10)
	fillNeutral(buf, 6)
	copy(buf[100:], gif.Header)
	copy(buf[600:], png.Header)

	hits := []carve.Match{
		{Offset: 100, SignatureID: "gif"},
		{Offset: 600, SignatureID: "png"},
	}
	cands, err := a.Assemble(context.Background(), device.NewBuffer("synthetic", buf), hits)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].SignatureID != "gif" || cands[0].Length != 500 {
		t.Fatalf("gif extent must stop at png start: %+v", cands[0])
	}
}

func TestRIFFEncodedLengthTrusted(t *testing.T) {
	a, cat := newAssembler(t)
	wav, _ := cat.ByID("wav")

	buf := make([]byte, 8<<10)
	fillNeutral(buf, 7)
	copy(buf[0:], wav.Header)
	// RIFF size field: total 1000 bytes -> field = 992
	buf[4], buf[5], buf[6], buf[7] = 0xE0, 0x03, 0x00, 0x00

	cands, err := a.Assemble(context.Background(), device.NewBuffer("synthetic", buf), []carve.Match{{Offset: 0, SignatureID: "wav"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].Length != 1000 {
		t.Fatalf("RIFF length field must bound the extent: got %d", cands[0].Length)
	}
	if cands[0].Confidence <= scoreBase {
		t.Fatalf("consistent length field must add to the score: %f", cands[0].Confidence)
	}
}

func TestTransitionsForwardOnly(t *testing.T) {
	c := Candidate{ID: "x", Status: StatusPending}
	if err := c.Transition(StatusRecovered); err == nil {
		t.Fatalf("pending -> recovered must be rejected")
	}
	if err := c.Transition(StatusSelected); err != nil {
		t.Fatalf("pending -> selected failed: %v", err)
	}
	if err := c.Transition(StatusPending); err == nil {
		t.Fatalf("backward transition must be rejected")
	}
	if err := c.Transition(StatusRecovered); err != nil {
		t.Fatalf("selected -> recovered failed: %v", err)
	}
	if err := c.Transition(StatusFailed); err == nil {
		t.Fatalf("recovered is terminal")
	}
}

func TestSortByConfidenceDeterministic(t *testing.T) {
	cands := []Candidate{
		{ID: "a", Offset: 300, Confidence: 0.6},
		{ID: "b", Offset: 100, Confidence: 0.9},
		{ID: "c", Offset: 200, Confidence: 0.6},
	}
	Sort(cands, OrderByConfidence)
	if cands[0].ID != "b" || cands[1].ID != "c" || cands[2].ID != "a" {
		t.Fatalf("unexpected order: %v", cands)
	}
}
