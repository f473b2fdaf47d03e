package assemble

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/reshdesu/oopsie-daisy/internal/carve"
	"github.com/reshdesu/oopsie-daisy/internal/catalog"
	"github.com/reshdesu/oopsie-daisy/internal/device"
)

// footerSearchBlock is the read granularity for footer searches. Blocks
// overlap by footer length - 1 so a footer straddling a block boundary is
// still found.
const footerSearchBlock = 1 << 20

// headSampleLen bounds how much of a candidate's payload is read for
// structural and entropy checks.
const headSampleLen = 64 << 10

// Assembler resolves extents and scores candidates from raw header hits.
type Assembler struct {
	cat      *catalog.Catalog
	logger   *slog.Logger
	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// New builds an assembler over the given catalog.
func New(cat *catalog.Catalog, logger *slog.Logger, meter metric.Meter) *Assembler {
	accepted, _ := meter.Int64Counter("oopsie_candidates_accepted_total")
	rejected, _ := meter.Int64Counter("oopsie_candidates_rejected_total")
	return &Assembler{cat: cat, logger: logger, accepted: accepted, rejected: rejected}
}

type working struct {
	Candidate
	sig         *catalog.Signature
	footerless  bool
	structureOK bool
	head        []byte
}

// Assemble turns ascending-offset hits against one target into pending
// candidates. Per-hit read problems degrade that hit, they never abort the
// batch. The returned slice is offset-ordered.
func (a *Assembler) Assemble(ctx context.Context, target device.Target, hits []carve.Match) ([]Candidate, error) {
	size := target.Size()
	var cands []*working
	for _, hit := range hits {
		sig, ok := a.cat.ByID(hit.SignatureID)
		if !ok {
			continue
		}
		if hit.Offset < 0 || hit.Offset+int64(len(sig.Header)) > size {
			continue
		}
		w := a.resolveExtent(target, sig, hit.Offset, size)
		cands = append(cands, w)
	}

	// Dedup overlapping extents of the same signature: earliest offset
	// wins, tie goes to the longer extent. Hits arrive offset-ordered, so
	// one pass per signature suffices.
	last := make(map[string]*working)
	survivors := cands[:0]
	rejectedCount := 0
	for _, w := range cands {
		prev := last[w.SignatureID]
		if prev != nil && w.Offset < prev.Offset+prev.Length {
			if w.Offset == prev.Offset && w.Length > prev.Length {
				*prev = *w
			}
			rejectedCount++
			continue
		}
		last[w.SignatureID] = w
		survivors = append(survivors, w)
	}
	if rejectedCount > 0 {
		a.rejected.Add(ctx, int64(rejectedCount))
		a.logger.Debug("overlapping candidates rejected", "target", target.Name(), "count", rejectedCount)
	}

	// A footerless extent never reaches past the next surviving
	// candidate's start.
	for i, w := range survivors {
		if !w.footerless {
			continue
		}
		for _, next := range survivors[i+1:] {
			if next.Offset > w.Offset {
				if next.Offset < w.Offset+w.Length {
					w.Length = next.Offset - w.Offset
				}
				break
			}
		}
	}

	// Overlap bonus needs the final extents of all survivors.
	out := make([]Candidate, 0, len(survivors))
	for i, w := range survivors {
		overlapped := false
		for j, other := range survivors {
			if i == j {
				continue
			}
			if w.Offset < other.Offset+other.Length && other.Offset < w.Offset+w.Length {
				overlapped = true
				break
			}
		}
		w.Confidence = score(w.head, w.FooterFound, w.structureOK, overlapped)
		out = append(out, w.Candidate)
	}
	a.accepted.Add(ctx, int64(len(out)))
	Sort(out, OrderByOffset)
	return out, nil
}

// resolveExtent determines a hit's byte extent: footer-bounded where the
// format defines one, otherwise the internal length field or the max-size
// cap. The head sample is kept for scoring.
func (a *Assembler) resolveExtent(target device.Target, sig *catalog.Signature, off, size int64) *working {
	w := &working{
		Candidate: Candidate{
			ID:          candidateID(target.Name(), sig.ID, off),
			SignatureID: sig.ID,
			Category:    sig.Category,
			Extension:   sig.Extension,
			Target:      target.Name(),
			Offset:      off,
			Status:      StatusPending,
		},
		sig: sig,
	}
	cap := sig.MaxSize
	if rest := size - off; rest < cap {
		cap = rest
	}
	switch {
	case len(sig.Footer) > 0:
		end, found := a.findFooter(target, off+int64(len(sig.Header)), off+cap, sig.Footer)
		if found {
			w.Length = end - off
			w.FooterFound = true
		} else {
			w.Length = cap
		}
	default:
		w.Length = cap
		w.footerless = true
	}

	w.head = a.readHead(target, off, w.Length)
	if enc, ok := encodedLength(sig, w.head); ok {
		consistent := enc >= int64(len(sig.Header)) && enc <= cap
		if consistent && w.footerless && enc < w.Length {
			w.Length = enc
		}
		w.structureOK = consistent
	} else if structureValid(sig, w.head) {
		w.structureOK = true
	}
	return w
}

// findFooter searches [from, to) for the footer sequence, reading in
// overlapping blocks. Read errors end the search; the candidate is then
// scored as truncated rather than dropped.
func (a *Assembler) findFooter(target device.Target, from, to int64, footer []byte) (int64, bool) {
	if from >= to {
		return 0, false
	}
	block := make([]byte, footerSearchBlock+len(footer)-1)
	for pos := from; pos < to; pos += footerSearchBlock {
		want := int64(len(block))
		if rest := to - pos; rest < want {
			want = rest
		}
		n, err := target.ReadAt(block[:want], pos)
		if n > 0 {
			if idx := bytes.Index(block[:n], footer); idx >= 0 {
				return pos + int64(idx) + int64(len(footer)), true
			}
		}
		if err != nil {
			if err != io.EOF {
				a.logger.Debug("footer search read failed", "target", target.Name(), "offset", pos, "error", err)
			}
			break
		}
	}
	return 0, false
}

func (a *Assembler) readHead(target device.Target, off, length int64) []byte {
	want := int64(headSampleLen)
	if length < want {
		want = length
	}
	buf := make([]byte, want)
	n, err := target.ReadAt(buf, off)
	if n == 0 && err != nil {
		return nil
	}
	return buf[:n]
}
