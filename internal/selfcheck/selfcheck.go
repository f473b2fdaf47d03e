// Package selfcheck verifies the whole pipeline against a synthetic disk
// image: known files planted at known offsets, both matcher paths, a full
// scan, and the resulting candidates. It needs no real device and no
// interaction, so it doubles as a post-install smoke test.
package selfcheck

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
	"github.com/reshdesu/oopsie-daisy/internal/carve"
	"github.com/reshdesu/oopsie-daisy/internal/catalog"
	"github.com/reshdesu/oopsie-daisy/internal/device"
	"github.com/reshdesu/oopsie-daisy/internal/export"
	"github.com/reshdesu/oopsie-daisy/internal/scan"
)

const (
	imageSize  = 10 << 20
	jpegOffset = 1 << 20
	pngOffset  = 5 << 20
	fillSeed   = 20240214
)

// fillAlphabet avoids every first byte of the catalog's headers while
// keeping enough byte variety that the entropy check reads the image as
// real content.
const fillAlphabet = "abcdeghijklmnopqrstvwxyz"

// Report is the outcome of one selfcheck run.
type Report struct {
	CatalogVersion string          `json:"catalog_version"`
	Signatures     int             `json:"signatures"`
	CPUMatches     int             `json:"cpu_matches"`
	GPUMatches     int             `json:"gpu_matches"`
	PathsAgree     bool            `json:"paths_agree"`
	ScanState      string          `json:"scan_state"`
	Candidates     []export.Record `json:"candidates"`
	Passed         bool            `json:"passed"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// Run executes the selfcheck. The returned error describes the first
// failed stage; the report is populated either way.
func Run(ctx context.Context, logger *slog.Logger) (*Report, error) {
	began := time.Now()
	cat := catalog.Builtin()
	rep := &Report{CatalogVersion: cat.Version(), Signatures: cat.Len()}
	defer func() { rep.Elapsed = time.Since(began) }()

	image := buildImage(cat)

	// Stage 1: both matcher paths over the same buffer must agree exactly.
	cpu := carve.NewCPUMatcher()
	gpu := carve.NewGPUMatcher(64)
	cpuMatches, err := cpu.FindMatches(image, cat)
	if err != nil {
		return rep, fmt.Errorf("cpu matcher: %w", err)
	}
	gpuMatches, err := gpu.FindMatches(image, cat)
	if err != nil {
		return rep, fmt.Errorf("accelerated matcher: %w", err)
	}
	rep.CPUMatches = len(cpuMatches)
	rep.GPUMatches = len(gpuMatches)
	rep.PathsAgree = matchesEqual(cpuMatches, gpuMatches)
	if !rep.PathsAgree {
		return rep, fmt.Errorf("matcher paths disagree: cpu %d hits, accelerated %d hits", len(cpuMatches), len(gpuMatches))
	}
	if len(cpuMatches) != 2 {
		return rep, fmt.Errorf("expected 2 planted headers, matched %d", len(cpuMatches))
	}
	if cpuMatches[0].Offset != jpegOffset || cpuMatches[1].Offset != pngOffset {
		return rep, fmt.Errorf("matches at wrong offsets: %+v", cpuMatches)
	}

	// Stage 2: a full scan over the image must surface both files as
	// high-confidence candidates and cover every byte.
	engine := scan.NewEngine(cat, logger, otel.Meter("oopsie-daisy"), nil, scan.Options{})
	session, err := engine.Start(ctx, scan.ModeDeep, []device.Target{device.NewBuffer("selfcheck", image)})
	if err != nil {
		return rep, fmt.Errorf("start scan: %w", err)
	}
	if err := session.Wait(); err != nil {
		return rep, fmt.Errorf("scan: %w", err)
	}
	rep.ScanState = session.State().String()
	if session.State() != scan.StateCompleted {
		return rep, fmt.Errorf("scan ended %s, want completed", session.State())
	}
	scanned, total := session.Progress()
	if scanned != total {
		return rep, fmt.Errorf("scan covered %d of %d bytes", scanned, total)
	}

	cands := session.Candidates(assemble.OrderByOffset)
	rep.Candidates = export.FromCandidates(cands, assemble.OrderByOffset)
	if len(cands) != 2 {
		return rep, fmt.Errorf("expected 2 candidates, assembled %d", len(cands))
	}
	for _, c := range cands {
		if export.BandFor(c.Confidence) != export.BandHigh {
			return rep, fmt.Errorf("candidate %s scored %.2f, want the high band", c.SignatureID, c.Confidence)
		}
		if !c.FooterFound {
			return rep, fmt.Errorf("candidate %s is missing its footer", c.SignatureID)
		}
	}

	rep.Passed = true
	return rep, nil
}

// buildImage plants an intact JPEG and PNG in otherwise neutral content.
func buildImage(cat *catalog.Catalog) []byte {
	image := make([]byte, imageSize)
	rng := rand.New(rand.NewSource(fillSeed))
	for i := range image {
		image[i] = fillAlphabet[rng.Intn(len(fillAlphabet))]
	}

	jpg, _ := cat.ByID("jpg")
	copy(image[jpegOffset:], jpg.Header)
	copy(image[jpegOffset+256<<10:], jpg.Footer)

	png, _ := cat.ByID("png")
	copy(image[pngOffset:], png.Header)
	binary.BigEndian.PutUint32(image[pngOffset+8:], 13)
	copy(image[pngOffset+12:], "IHDR")
	copy(image[pngOffset+512<<10:], png.Footer)

	return image
}

func matchesEqual(a, b []carve.Match) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
