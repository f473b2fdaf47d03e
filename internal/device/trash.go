package device

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// TrashLocations returns the platform's trash/recycle and temp directories
// where deleted files commonly survive. Only existing directories are
// returned.
func TrashLocations() []string {
	var candidates []string
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "windows":
		for _, drive := range "CDEFGHIJKLMNOPQRSTUVWXYZ" {
			candidates = append(candidates, string(drive)+`:\$Recycle.Bin`)
		}
		candidates = append(candidates, os.TempDir())
	case "darwin":
		candidates = append(candidates,
			filepath.Join(home, ".Trash"),
			"/.Trashes",
			os.TempDir(),
		)
	default: // linux and the rest of unix
		candidates = append(candidates,
			filepath.Join(home, ".local/share/Trash/files"),
			filepath.Join(home, ".Trash"),
			"/tmp",
			"/var/tmp",
		)
	}

	var existing []string
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			existing = append(existing, c)
		}
	}
	return existing
}

// quickScanMaxDepth bounds traversal below each trash root; quick mode is
// the bounded, fast path.
const quickScanMaxDepth = 3

// QuickScanPaths walks the trash locations and returns regular files to
// scan. Inaccessible entries are skipped, zero-byte files are useless for
// carving and dropped.
func QuickScanPaths(roots []string) []string {
	var paths []string
	for _, root := range roots {
		depthBase := strings.Count(root, string(os.PathSeparator))
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if strings.Count(path, string(os.PathSeparator))-depthBase >= quickScanMaxDepth {
					return fs.SkipDir
				}
				return nil
			}
			if info, err := d.Info(); err == nil && info.Size() > 0 {
				paths = append(paths, path)
			}
			return nil
		})
	}
	return paths
}

// QuickTarget is a deferred-open file target. Quick scans can discover
// thousands of trash entries; holding a descriptor per entry for the whole
// session would exhaust the fd limit, so the file is opened on first read
// and released on Close.
type QuickTarget struct {
	path string
	size int64

	mu sync.Mutex
	f  *os.File
}

func (t *QuickTarget) ReadAt(p []byte, off int64) (int, error) {
	t.mu.Lock()
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			t.mu.Unlock()
			return 0, err
		}
		t.f = f
	}
	f := t.f
	t.mu.Unlock()
	return f.ReadAt(p, off)
}

func (t *QuickTarget) Size() int64 { return t.size }
func (t *QuickTarget) Name() string { return t.path }

func (t *QuickTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// QuickTargets wraps every quick-scan path as a lazy read-only target.
// Sizes come from discovery; no descriptor is opened here. Files that
// vanish between discovery and the scan fail at read time and surface as
// per-target read errors, not here.
func QuickTargets(roots []string) []Target {
	var targets []Target
	for _, p := range QuickScanPaths(roots) {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			continue
		}
		targets = append(targets, &QuickTarget{path: p, size: info.Size()})
	}
	return targets
}
