package scan

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
	"github.com/reshdesu/oopsie-daisy/internal/catalog"
	"github.com/reshdesu/oopsie-daisy/internal/device"
)

// fillNeutral fills buf with bytes no catalog header starts with, so
// synthetic buffers contain exactly the hits planted in them.
func fillNeutral(buf []byte, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range buf {
		buf[i] = byte('a' + rng.Intn(5))
	}
}

func plantJPEG(buf []byte, off int, payload int) {
	sig, _ := catalog.Builtin().ByID("jpg")
	copy(buf[off:], sig.Header)
	copy(buf[off+payload:], sig.Footer)
}

func plantPNG(buf []byte, off int, payload int) {
	sig, _ := catalog.Builtin().ByID("png")
	copy(buf[off:], sig.Header)
	binary.BigEndian.PutUint32(buf[off+8:], 13)
	copy(buf[off+12:], "IHDR")
	copy(buf[off+payload:], sig.Footer)
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	return NewEngine(catalog.Builtin(), slog.Default(), otel.Meter("test"), nil, opts)
}

func TestScanFindsPlantedCandidates(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	buf := make([]byte, 10<<20)
	fillNeutral(buf, 1)
	plantJPEG(buf, 1<<20, 200<<10)
	plantPNG(buf, 5<<20, 300<<10)

	e := newEngine(t, Options{ChunkSize: 1 << 20, Workers: 4})
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{device.NewBuffer("synthetic", buf)})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", s.State())
	}
	scanned, total := s.Progress()
	if scanned != total || total != 10<<20 {
		t.Errorf("progress %d/%d, want full coverage of %d", scanned, total, 10<<20)
	}

	cands := s.Candidates(assemble.OrderByOffset)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(cands), cands)
	}
	if cands[0].SignatureID != "jpg" || cands[0].Offset != 1<<20 {
		t.Errorf("first candidate: %+v", cands[0])
	}
	if cands[1].SignatureID != "png" || cands[1].Offset != 5<<20 {
		t.Errorf("second candidate: %+v", cands[1])
	}
	for _, c := range cands {
		if c.Confidence <= 0.8 {
			t.Errorf("intact %s should score high, got %f", c.SignatureID, c.Confidence)
		}
	}
}

func TestHeaderStraddlingChunkBoundary(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	const chunkSize = 64 << 10
	buf := make([]byte, 256<<10)
	fillNeutral(buf, 2)
	// Header split across the first chunk boundary: the overlap region of
	// chunk 0 must carry it into chunk 1 exactly once.
	plantJPEG(buf, chunkSize-1, 10<<10)

	e := newEngine(t, Options{ChunkSize: chunkSize, Workers: 2})
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{device.NewBuffer("synthetic", buf)})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	cands := s.Candidates(assemble.OrderByOffset)
	if len(cands) != 1 {
		t.Fatalf("straddling header must yield exactly one candidate, got %d", len(cands))
	}
	if cands[0].Offset != chunkSize-1 {
		t.Errorf("offset = %d, want %d", cands[0].Offset, chunkSize-1)
	}
}

// slowTarget throttles reads so cancellation can land mid-scan.
type slowTarget struct {
	device.Target
	delay time.Duration
}

func (s *slowTarget) ReadAt(p []byte, off int64) (int, error) {
	time.Sleep(s.delay)
	return s.Target.ReadAt(p, off)
}

func TestCancelStopsPromptly(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	buf := make([]byte, 8<<20)
	fillNeutral(buf, 3)

	e := newEngine(t, Options{ChunkSize: 64 << 10, Workers: 2})
	target := &slowTarget{Target: device.NewBuffer("slow", buf), delay: 2 * time.Millisecond}
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	s.Cancel()
	if err := s.Wait(); err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if s.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", s.State())
	}
	scanned, total := s.Progress()
	if scanned >= total {
		t.Errorf("scan should have stopped early: %d/%d", scanned, total)
	}
}

// gatedTarget serves reads below gateOff freely, then parks every later
// read until the gate opens. Lets a test pin down exactly which chunks
// completed before cancellation.
type gatedTarget struct {
	device.Target
	gateOff int64
	gate    chan struct{}
	once    sync.Once
	stalled chan struct{}
}

func (g *gatedTarget) ReadAt(p []byte, off int64) (int, error) {
	if off >= g.gateOff {
		g.once.Do(func() { close(g.stalled) })
		<-g.gate
	}
	return g.Target.ReadAt(p, off)
}

func TestCancelRetainsPartialCandidates(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	const chunkSize = 64 << 10
	buf := make([]byte, 16<<20)
	fillNeutral(buf, 7)
	// Planted well below the gate, so its chunk completes before the scan
	// stalls and cancellation lands.
	plantJPEG(buf, 100<<10, 20<<10)

	target := &gatedTarget{
		Target:  device.NewBuffer("gated", buf),
		gateOff: 512 << 10,
		gate:    make(chan struct{}),
		stalled: make(chan struct{}),
	}
	e := newEngine(t, Options{ChunkSize: chunkSize, Workers: 2})
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	<-target.stalled
	s.Cancel()
	close(target.gate) // let the parked reads drain
	if err := s.Wait(); err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if s.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", s.State())
	}
	scanned, total := s.Progress()
	if scanned == 0 || scanned >= total {
		t.Errorf("scan should have stopped partway: %d/%d", scanned, total)
	}

	cands := s.Candidates(assemble.OrderByOffset)
	if len(cands) != 1 {
		t.Fatalf("candidate from a completed chunk must survive cancellation, got %d", len(cands))
	}
	c := cands[0]
	if c.SignatureID != "jpg" || c.Offset != 100<<10 {
		t.Errorf("unexpected candidate: %+v", c)
	}
	if !c.FooterFound || c.Status != assemble.StatusPending {
		t.Errorf("partial-scan candidate must be well formed: %+v", c)
	}
}

// flakyTarget fails persistently inside one byte range.
type flakyTarget struct {
	device.Target
	badFrom, badTo int64
}

func (f *flakyTarget) ReadAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if off < f.badTo && f.badFrom < end {
		return 0, errors.New("I/O error, dev /dev/sdz, sector 8442")
	}
	return f.Target.ReadAt(p, off)
}

func TestUnreadableRangeBecomesGap(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	const chunkSize = 64 << 10
	buf := make([]byte, 512<<10)
	fillNeutral(buf, 4)
	plantJPEG(buf, 300<<10, 20<<10)

	target := &flakyTarget{
		Target:  device.NewBuffer("flaky", buf),
		badFrom: 2 * chunkSize,
		badTo:   3 * chunkSize,
	}
	e := newEngine(t, Options{ChunkSize: chunkSize, Workers: 2, RetryAttempts: 2, RetryDelay: time.Millisecond})
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("a bad range must not abort the session: %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", s.State())
	}
	gaps := s.Gaps()
	if len(gaps) == 0 {
		t.Fatal("expected at least one recorded gap")
	}
	scanned, total := s.Progress()
	if scanned != total {
		t.Errorf("gap ranges still count as covered: %d/%d", scanned, total)
	}
	cands := s.Candidates(assemble.OrderByOffset)
	if len(cands) != 1 || cands[0].Offset != 300<<10 {
		t.Fatalf("candidate outside the bad range must survive: %+v", cands)
	}
}

func TestSecondSessionRejected(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	buf := make([]byte, 4<<20)
	fillNeutral(buf, 5)

	e := newEngine(t, Options{ChunkSize: 64 << 10, Workers: 1})
	target := &slowTarget{Target: device.NewBuffer("slow", buf), delay: time.Millisecond}
	s1, err := e.Start(context.Background(), ModeDeep, []device.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Start(context.Background(), ModeDeep, []device.Target{device.NewBuffer("b", buf)})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("concurrent start must be rejected, got %v", err)
	}
	s1.Cancel()
	if err := s1.Wait(); err != nil {
		t.Fatal(err)
	}

	// The slot frees once the first session is terminal.
	s2, err := e.Start(context.Background(), ModeDeep, []device.Target{device.NewBuffer("c", make([]byte, 1<<10))})
	if err != nil {
		t.Fatalf("start after completion failed: %v", err)
	}
	if err := s2.Wait(); err != nil {
		t.Fatal(err)
	}
}

// deadTarget refuses every read with a permission error.
type deadTarget struct{ device.Target }

func (d *deadTarget) ReadAt(p []byte, off int64) (int, error) {
	return 0, fs.ErrPermission
}

func TestPermissionFailureAbortsSession(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	buf := make([]byte, 1<<20)
	e := newEngine(t, Options{ChunkSize: 64 << 10, Workers: 2, RetryAttempts: 1, RetryDelay: time.Millisecond})
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{&deadTarget{device.NewBuffer("dead", buf)}})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Wait()
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("want ErrDeviceUnavailable, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

func TestProgressMonotonic(t *testing.T) {
	t.Setenv("OOPSIE_FORCE_CPU", "1")
	buf := make([]byte, 4<<20)
	fillNeutral(buf, 6)

	e := newEngine(t, Options{ChunkSize: 64 << 10, Workers: 4})
	s, err := e.Start(context.Background(), ModeDeep, []device.Target{device.NewBuffer("synthetic", buf)})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var prev int64
		for {
			scanned, total := s.Progress()
			if scanned < prev {
				t.Errorf("progress went backwards: %d -> %d", prev, scanned)
				return
			}
			if scanned > total {
				t.Errorf("progress overshot: %d > %d", scanned, total)
				return
			}
			prev = scanned
			if s.State() != StateScanning {
				return
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	scanned, total := s.Progress()
	if scanned != total {
		t.Errorf("completed scan must cover everything: %d/%d", scanned, total)
	}
}
