package carve

import (
	"sync"

	"github.com/reshdesu/oopsie-daisy/internal/catalog"
)

// acNode internal automaton node
type acNode struct {
	next map[byte]*acNode
	fail *acNode
	out  []*catalog.Signature
}

// CPUMatcher is an Aho-Corasick automaton over all catalog headers, built
// lazily per catalog version and scanned in a single pass. Concurrency-safe
// after construction.
type CPUMatcher struct {
	mu      sync.Mutex
	root    *acNode
	version string
}

// NewCPUMatcher returns a matcher; the automaton is compiled on first use.
func NewCPUMatcher() *CPUMatcher { return &CPUMatcher{} }

func (m *CPUMatcher) Name() string { return "cpu" }

// FindMatches scans buf once and reports every header occurrence.
func (m *CPUMatcher) FindMatches(buf []byte, cat *catalog.Catalog) ([]Match, error) {
	root := m.automaton(cat)
	var results []Match
	n := root
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		for n != root && n.next[b] == nil {
			n = n.fail
		}
		if nxt := n.next[b]; nxt != nil {
			n = nxt
		} else {
			continue
		}
		for _, sig := range n.out {
			off := i - len(sig.Header) + 1
			if off < 0 {
				continue
			}
			results = append(results, Match{Offset: int64(off), SignatureID: sig.ID})
		}
	}
	sortMatches(results)
	return results, nil
}

// automaton returns the compiled automaton, rebuilding when the catalog
// version changed since the last build.
func (m *CPUMatcher) automaton(cat *catalog.Catalog) *acNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root != nil && m.version == cat.Version() {
		return m.root
	}
	root := &acNode{next: make(map[byte]*acNode)}
	for _, sig := range cat.Signatures() {
		cur := root
		for _, b := range sig.Header {
			nxt, ok := cur.next[b]
			if !ok {
				nxt = &acNode{next: make(map[byte]*acNode)}
				cur.next[b] = nxt
			}
			cur = nxt
		}
		cur.out = append(cur.out, sig)
	}
	// BFS failure links
	queue := make([]*acNode, 0, len(root.next))
	for _, n := range root.next {
		n.fail = root
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for b, nxt := range n.next {
			f := n.fail
			for f != root && f.next[b] == nil {
				f = f.fail
			}
			if fn := f.next[b]; fn != nil && fn != nxt {
				nxt.fail = fn
			} else {
				nxt.fail = root
			}
			if len(nxt.fail.out) > 0 {
				nxt.out = append(nxt.out, nxt.fail.out...)
			}
			queue = append(queue, nxt)
		}
	}
	m.root = root
	m.version = cat.Version()
	return root
}
