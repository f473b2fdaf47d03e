package assemble

import (
	"encoding/binary"

	"github.com/montanaflynn/stats"

	"github.com/reshdesu/oopsie-daisy/internal/catalog"
)

// Scoring weights. The base reflects header-only certainty; structural
// evidence adds on top and the result is clamped to [0,1]. Bands: >0.8
// high, 0.5-0.8 medium, <0.5 low (interpreted by the UI, not the engine).
const (
	scoreBase           = 0.50
	scoreFooterBonus    = 0.30
	scoreStructBonus    = 0.15
	scoreNoOverlap      = 0.05
	scoreEntropyPenalty = 0.25

	// Shannon entropy (nats) below which a payload looks like wiped or
	// zero-filled sectors rather than real file content.
	lowEntropyNats = 0.35
)

func score(head []byte, footerFound, structureOK, overlapped bool) float64 {
	s := scoreBase
	if footerFound {
		s += scoreFooterBonus
	}
	if structureOK {
		s += scoreStructBonus
	}
	if !overlapped {
		s += scoreNoOverlap
	}
	if lowEntropy(head) {
		s -= scoreEntropyPenalty
	}
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

// lowEntropy reports whether the payload sample's byte distribution is too
// uniform-in-value to be real file content. Runs of zeroed or constant
// bytes carve cleanly but recover nothing.
func lowEntropy(head []byte) bool {
	if len(head) < 256 {
		return false // too small to judge
	}
	var counts [256]int
	for _, b := range head {
		counts[b]++
	}
	freqs := make(stats.Float64Data, 0, 256)
	for _, c := range counts {
		if c > 0 {
			freqs = append(freqs, float64(c))
		}
	}
	entropy, err := stats.Entropy(freqs)
	if err != nil {
		return false
	}
	return entropy < lowEntropyNats
}

// encodedLength extracts a format's internal total-size field where one
// exists. Returns false when the format has none or the sample is too
// short.
func encodedLength(sig *catalog.Signature, head []byte) (int64, bool) {
	switch sig.Encoding {
	case catalog.SizeRIFF:
		// RIFF chunk size at offset 4 excludes the 8-byte preamble.
		if len(head) < 8 {
			return 0, false
		}
		return int64(binary.LittleEndian.Uint32(head[4:8])) + 8, true
	case catalog.SizeBMP:
		// BITMAPFILEHEADER carries the full file size at offset 2.
		if len(head) < 6 {
			return 0, false
		}
		return int64(binary.LittleEndian.Uint32(head[2:6])), true
	}
	return 0, false
}

// structureValid applies structure-only checks for formats without a size
// field.
func structureValid(sig *catalog.Signature, head []byte) bool {
	switch sig.Encoding {
	case catalog.SizePNG:
		// A PNG must open with an IHDR chunk of length 13 right after the
		// 8-byte magic.
		if len(head) < 16 {
			return false
		}
		return binary.BigEndian.Uint32(head[8:12]) == 13 && string(head[12:16]) == "IHDR"
	}
	return false
}
