// Package restore materializes selected candidates into regular files.
// Everything is non-destructive: source targets are only ever read, output
// goes to a fresh session directory, and existing files are never replaced.
package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"go.opentelemetry.io/otel/metric"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
	"github.com/reshdesu/oopsie-daisy/internal/core/otelinit"
	"github.com/reshdesu/oopsie-daisy/internal/device"
)

// sessionDirFormat names the per-run output directory under the destination
// root, so repeated recoveries never collide.
const sessionDirFormat = "oopsie-daisy-recovery_20060102T150405Z"

// Outcome reports one candidate's materialization.
type Outcome struct {
	CandidateID  string `json:"candidate_id"`
	Path         string `json:"path,omitempty"`
	BytesWritten int64  `json:"bytes_written"`
	DetectedType string `json:"detected_type,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Job is one committed recovery action: where it wrote, when it ran, and how
// each selected candidate fared. Discarded once reported.
type Job struct {
	DestRoot   string    `json:"dest_root"`
	SessionDir string    `json:"session_dir"`
	StartedAt  time.Time `json:"started_at"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Recovered counts the outcomes that materialized successfully.
func (j *Job) Recovered() int {
	n := 0
	for _, o := range j.Outcomes {
		if o.Error == "" {
			n++
		}
	}
	return n
}

// Failed counts the outcomes that did not materialize.
func (j *Job) Failed() int { return len(j.Outcomes) - j.Recovered() }

// Materializer writes candidate extents out as files.
type Materializer struct {
	logger      *slog.Logger
	parallelism int
	recovered   metric.Int64Counter
	failed      metric.Int64Counter
}

// New builds a materializer. parallelism <= 0 means 2; recovery is I/O
// bound and the reads contend with the writes on the same disk.
func New(logger *slog.Logger, meter metric.Meter, parallelism int) *Materializer {
	if parallelism <= 0 {
		parallelism = 2
	}
	recovered, _ := meter.Int64Counter("oopsie_files_recovered_total")
	failed, _ := meter.Int64Counter("oopsie_files_failed_total")
	return &Materializer{logger: logger, parallelism: parallelism, recovered: recovered, failed: failed}
}

// Recover materializes the given candidates from target into a new session
// directory under destRoot. Outcomes come back in input order. A candidate
// failure is recorded in its outcome and in the candidate state; it never
// stops the batch. The returned error covers only destination-level
// problems.
func (m *Materializer) Recover(ctx context.Context, target device.Target, cands []*assemble.Candidate, destRoot string) (*Job, error) {
	ctx, end := otelinit.WithSpan(ctx, "restore.recover")
	defer end()

	started := time.Now().UTC()
	sessionDir := filepath.Join(destRoot, started.Format(sessionDirFormat))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recovery directory: %w", err)
	}

	outcomes := make([]Outcome, len(cands))
	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, m.parallelism)
		mu  sync.Mutex // serializes destination-path allocation
	)
	for i, c := range cands {
		outcomes[i] = Outcome{CandidateID: c.ID}
		if err := c.Transition(assemble.StatusSelected); err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		if ctx.Err() != nil {
			m.failCandidate(c, &outcomes[i], ctx.Err())
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c *assemble.Candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			m.recoverOne(ctx, target, c, sessionDir, &mu, &outcomes[i])
		}(i, c)
	}
	wg.Wait()
	return &Job{DestRoot: destRoot, SessionDir: sessionDir, StartedAt: started, Outcomes: outcomes}, nil
}

func (m *Materializer) recoverOne(ctx context.Context, target device.Target, c *assemble.Candidate, sessionDir string, mu *sync.Mutex, out *Outcome) {
	categoryDir := filepath.Join(sessionDir, sanitizeCategory(c.Category))
	if err := os.MkdirAll(categoryDir, 0o755); err != nil {
		m.failCandidate(c, out, err)
		return
	}

	tmp, err := os.CreateTemp(categoryDir, ".oopsie-*")
	if err != nil {
		m.failCandidate(c, out, err)
		return
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, io.NewSectionReader(target, c.Offset, c.Length))
	if err == nil && written != c.Length {
		err = fmt.Errorf("short extract: wrote %d of %d bytes", written, c.Length)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		m.failCandidate(c, out, err)
		return
	}

	// Claim the final name under the lock so two candidates never race for
	// the same path, then move the temp file into place.
	mu.Lock()
	final := availableName(categoryDir, c.SuggestedName())
	err = os.Rename(tmpName, final)
	mu.Unlock()
	if err != nil {
		os.Remove(tmpName)
		m.failCandidate(c, out, err)
		return
	}

	out.Path = final
	out.BytesWritten = written
	out.DetectedType = detectType(final)
	if err := c.Transition(assemble.StatusRecovered); err != nil {
		out.Error = err.Error()
		return
	}
	m.recovered.Add(ctx, 1)
	m.logger.Info("candidate recovered", "candidate", c.ID, "path", final, "bytes", written, "type", out.DetectedType)
}

func (m *Materializer) failCandidate(c *assemble.Candidate, out *Outcome, err error) {
	out.Error = err.Error()
	c.FailReason = err.Error()
	if terr := c.Transition(assemble.StatusFailed); terr != nil {
		m.logger.Warn("candidate state update failed", "candidate", c.ID, "error", terr)
	}
	m.failed.Add(context.Background(), 1)
	m.logger.Warn("candidate recovery failed", "candidate", c.ID, "error", err)
}

// availableName returns the first unoccupied variant of name inside dir,
// suffixing _recovered_<n> before the extension on conflict.
func availableName(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Lstat(path); err != nil {
		return path
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_recovered_%d%s", stem, n, ext))
		if _, err := os.Lstat(path); err != nil {
			return path
		}
	}
}

// sanitizeCategory maps a MIME-style category to a directory name.
func sanitizeCategory(category string) string {
	if category == "" {
		return "unknown"
	}
	return strings.ReplaceAll(category, "/", "-")
}

// detectType sniffs the written file's real type, which may disagree with
// the signature that carved it. Best effort only.
func detectType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}
