package scan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
	"github.com/reshdesu/oopsie-daisy/internal/carve"
	"github.com/reshdesu/oopsie-daisy/internal/catalog"
	"github.com/reshdesu/oopsie-daisy/internal/core/resilience"
	"github.com/reshdesu/oopsie-daisy/internal/device"
)

// Options tunes the orchestrator. Zero values take defaults.
type Options struct {
	// ChunkSize is the read granularity. Consecutive chunks overlap by the
	// catalog's max header length minus one so no header is split across a
	// boundary. Default 4 MiB.
	ChunkSize int64

	// Workers bounds CPU scan concurrency. Default GOMAXPROCS.
	Workers int

	// GPUChunkFactor is how many consecutive chunks the accelerator worker
	// claims per dispatch. Default 4.
	GPUChunkFactor int

	// RetryAttempts and RetryDelay govern transient read retries before a
	// range is recorded as a gap.
	RetryAttempts int
	RetryDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 4 << 20
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.GPUChunkFactor <= 0 {
		o.GPUChunkFactor = 4
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	return o
}

// Archiver persists finished session summaries. Optional.
type Archiver interface {
	ArchiveSession(ctx context.Context, s Summary) error
}

// Engine runs scan sessions. One session at a time; a second Start while
// one is active returns ErrSessionActive.
type Engine struct {
	cat     *catalog.Catalog
	logger  *slog.Logger
	opts    Options
	archive Archiver

	active atomic.Bool
	tracer trace.Tracer

	bytesScanned metric.Int64Counter
	chunkLatency metric.Float64Histogram
	readGaps     metric.Int64Counter
	matchesFound metric.Int64Counter
}

// NewEngine builds an engine over the catalog. archive may be nil.
func NewEngine(cat *catalog.Catalog, logger *slog.Logger, meter metric.Meter, archive Archiver, opts Options) *Engine {
	e := &Engine{
		cat:     cat,
		logger:  logger,
		opts:    opts.withDefaults(),
		archive: archive,
		tracer:  otel.Tracer("oopsie-daisy/scan"),
	}
	e.bytesScanned, _ = meter.Int64Counter("oopsie_scan_bytes_total")
	e.chunkLatency, _ = meter.Float64Histogram("oopsie_scan_chunk_duration_ms")
	e.readGaps, _ = meter.Int64Counter("oopsie_scan_read_gaps_total")
	e.matchesFound, _ = meter.Int64Counter("oopsie_scan_matches_total")
	return e
}

// Start launches a scan over the targets and returns immediately. The
// session runs in the background; callers poll Progress or block on Wait.
// Targets are closed by the engine when the session finishes.
func (e *Engine) Start(ctx context.Context, mode Mode, targets []device.Target) (*Session, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no scan targets", ErrDeviceUnavailable)
	}
	if !e.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	var total int64
	for _, t := range targets {
		total += t.Size()
	}
	s := newSession(sessionID(), mode, total)

	cpu := carve.NewCPUMatcher()
	var gpu carve.Matcher
	if carve.Probe() == carve.ExecGPUAvailable {
		lanes := e.opts.Workers * 16
		gpu = carve.NewFallbackMatcher(carve.NewGPUMatcher(lanes), cpu, e.logger, otel.Meter("oopsie-daisy"))
	}

	e.logger.Info("scan session started",
		"session", s.ID, "mode", mode, "targets", len(targets),
		"total_bytes", total, "workers", e.opts.Workers, "gpu", gpu != nil)

	go e.run(ctx, s, targets, cpu, gpu)
	return s, nil
}

func (e *Engine) run(ctx context.Context, s *Session, targets []device.Target, cpu carve.Matcher, gpu carve.Matcher) {
	ctx, span := e.tracer.Start(ctx, "scan.session",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("session.mode", string(s.Mode)),
			attribute.Int("session.targets", len(targets)),
		))
	var next int
	defer func() {
		for _, t := range targets[next:] {
			t.Close()
		}
		span.End()
		e.active.Store(false)
		close(s.done)
	}()

	// Each target is scanned, assembled, and closed before the next one is
	// touched, so open descriptors stay bounded on quick scans with many
	// targets. Assembly runs even on cancellation: partial results from
	// completed chunks are still offered to the user.
	asm := assemble.New(e.cat, e.logger, otel.Meter("oopsie-daisy"))
	for _, target := range targets {
		if ctx.Err() != nil || s.cancelled.Load() {
			break
		}
		matches := e.scanTarget(ctx, s, target, cpu, gpu)
		if len(matches) > 0 {
			cands, err := asm.Assemble(ctx, target, matches)
			if err != nil {
				e.logger.Warn("assembly failed", "session", s.ID, "target", target.Name(), "error", err)
			} else {
				s.mu.Lock()
				s.candidates = append(s.candidates, cands...)
				s.mu.Unlock()
			}
		}
		target.Close()
		next++
	}

	s.mu.Lock()
	failed := s.err != nil
	s.finishedAt = time.Now()
	s.mu.Unlock()

	switch {
	case failed:
		s.state.Store(int32(StateFailed))
	case ctx.Err() != nil || s.cancelled.Load():
		s.state.Store(int32(StateCancelled))
	default:
		s.state.Store(int32(StateCompleted))
	}

	scanned, total := s.Progress()
	e.logger.Info("scan session finished",
		"session", s.ID, "state", s.State().String(),
		"scanned_bytes", scanned, "total_bytes", total,
		"candidates", len(s.Candidates(assemble.OrderByOffset)),
		"gaps", len(s.Gaps()), "elapsed", s.Elapsed())

	if e.archive != nil {
		if err := e.archive.ArchiveSession(context.WithoutCancel(ctx), s.Summary()); err != nil {
			e.logger.Warn("session archive failed", "session", s.ID, "error", err)
		}
	}
}

// scanTarget walks one target chunk by chunk. Workers claim chunk indices
// from a shared atomic cursor; the accelerator worker, when present, claims
// batches of consecutive chunks. Matches are returned deduplicated and in
// canonical order.
func (e *Engine) scanTarget(ctx context.Context, s *Session, target device.Target, cpu, gpu carve.Matcher) []carve.Match {
	size := target.Size()
	if size == 0 {
		return nil
	}
	chunk := e.opts.ChunkSize
	stride := chunk - int64(e.cat.Overlap())
	if stride <= 0 {
		stride = chunk
	}

	var (
		cursor  atomic.Int64
		mu      sync.Mutex
		matches []carve.Match
		wg      sync.WaitGroup
	)

	worker := func(m carve.Matcher, batch int64) {
		defer wg.Done()
		buf := make([]byte, chunk)
		for {
			if ctx.Err() != nil || s.cancelled.Load() {
				return
			}
			base := cursor.Add(batch) - batch
			if base*stride >= size {
				return
			}
			for k := int64(0); k < batch; k++ {
				if s.cancelled.Load() {
					return
				}
				start := (base + k) * stride
				if start >= size {
					return
				}
				found := e.processChunk(ctx, s, target, m, buf, start, stride, size)
				if len(found) > 0 {
					mu.Lock()
					matches = append(matches, found...)
					mu.Unlock()
				}
			}
		}
	}

	cpuWorkers := e.opts.Workers
	if gpu != nil && cpuWorkers > 1 {
		cpuWorkers--
	}
	for i := 0; i < cpuWorkers; i++ {
		wg.Add(1)
		go worker(cpu, 1)
	}
	if gpu != nil {
		wg.Add(1)
		go worker(gpu, int64(e.opts.GPUChunkFactor))
	}
	wg.Wait()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Offset != matches[j].Offset {
			return matches[i].Offset < matches[j].Offset
		}
		return matches[i].SignatureID < matches[j].SignatureID
	})
	return matches
}

// processChunk reads one chunk and runs the matcher over it. Matches that
// begin inside the tail overlap belong to the next chunk and are dropped
// here, unless this is the last chunk. Returned offsets are target-global.
func (e *Engine) processChunk(ctx context.Context, s *Session, target device.Target, m carve.Matcher, buf []byte, start, stride, size int64) []carve.Match {
	want := int64(len(buf))
	if rest := size - start; rest < want {
		want = rest
	}
	fresh := stride
	if rest := size - start; rest < fresh {
		fresh = rest
	}

	began := time.Now()
	n, err := resilience.Retry(ctx, e.opts.RetryAttempts, e.opts.RetryDelay, func() (int, error) {
		n, err := target.ReadAt(buf[:want], start)
		if err == io.EOF && int64(n) == want {
			err = nil
		}
		if err == nil && int64(n) < want {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	})
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrClosed) {
			e.logger.Error("scan target lost", "session", s.ID, "target", target.Name(), "offset", start, "error", err)
			s.fail(fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, target.Name(), err))
			return nil
		}
		// Unreadable range: record the gap, keep going.
		e.readGaps.Add(ctx, 1)
		s.addGap(Gap{Target: target.Name(), Offset: start, Length: want, Reason: err.Error()})
		e.logger.Warn("unreadable range skipped", "session", s.ID, "target", target.Name(), "offset", start, "length", want, "error", err)
		s.scanned.Add(fresh)
		return nil
	}

	found, err := m.FindMatches(buf[:n], e.cat)
	if err != nil {
		// Both matcher paths degrade internally; an error here means even
		// the CPU path failed for this chunk, which we treat like a gap.
		e.readGaps.Add(ctx, 1)
		s.addGap(Gap{Target: target.Name(), Offset: start, Length: want, Reason: err.Error()})
		s.scanned.Add(fresh)
		return nil
	}

	e.chunkLatency.Record(ctx, float64(time.Since(began).Microseconds())/1000)
	e.bytesScanned.Add(ctx, fresh)
	s.scanned.Add(fresh)

	lastChunk := start+stride >= size
	out := make([]carve.Match, 0, len(found))
	for _, f := range found {
		if !lastChunk && f.Offset >= stride {
			continue // next chunk owns the overlap region
		}
		out = append(out, carve.Match{Offset: start + f.Offset, SignatureID: f.SignatureID})
	}
	if len(out) > 0 {
		e.matchesFound.Add(ctx, int64(len(out)))
	}
	return out
}

func sessionID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("scan-%d", time.Now().UnixNano())
	}
	return "scan-" + hex.EncodeToString(b[:])
}
