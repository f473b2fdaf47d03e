// Package catalog holds the immutable registry of file-type signatures used
// for carving. Signatures are pure data: adding one never requires matcher
// changes.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// SizeEncoding names an optional internal length/structure field a format
// carries, used by the assembler for self-consistency checks.
type SizeEncoding string

const (
	SizeNone SizeEncoding = ""     // no internal length field
	SizeRIFF SizeEncoding = "riff" // little-endian u32 at offset 4, payload size = field + 8
	SizePNG  SizeEncoding = "png"  // IHDR chunk header at offset 8 (structure check only)
	SizeBMP  SizeEncoding = "bmp"  // little-endian u32 file size at offset 2
)

// Signature describes one recognizable file format: a header byte sequence,
// an optional footer, and a maximum plausible size. Immutable after catalog
// construction.
type Signature struct {
	ID          string       `json:"id"`
	Category    string       `json:"category"` // MIME-style, e.g. "image/jpeg"
	Extension   string       `json:"extension"`
	Description string       `json:"description,omitempty"`
	Header      []byte       `json:"-"`
	Footer      []byte       `json:"-"`
	MaxSize     int64        `json:"max_size"`
	Encoding    SizeEncoding `json:"size_encoding,omitempty"`
}

// Catalog is the in-memory signature registry, keyed for fast first-byte
// fan-out. Safe for concurrent use after construction.
type Catalog struct {
	sigs      []*Signature
	byID      map[string]*Signature
	prefixes  map[byte][]*Signature
	maxHeader int
	version   string
}

// New validates signatures and builds the prefix index. The catalog version
// is a fingerprint of the signature set, mirrored in automaton caches.
func New(sigs []Signature) (*Catalog, error) {
	if len(sigs) == 0 {
		return nil, errors.New("catalog: no signatures")
	}
	c := &Catalog{
		byID:     make(map[string]*Signature, len(sigs)),
		prefixes: make(map[byte][]*Signature),
	}
	h := sha256.New()
	for i := range sigs {
		s := sigs[i]
		if s.ID == "" {
			return nil, fmt.Errorf("catalog: signature %d has empty id", i)
		}
		if len(s.Header) == 0 {
			return nil, fmt.Errorf("catalog: signature %q has empty header", s.ID)
		}
		if s.MaxSize <= int64(len(s.Header)+len(s.Footer)) {
			return nil, fmt.Errorf("catalog: signature %q max_size %d too small", s.ID, s.MaxSize)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate signature id %q", s.ID)
		}
		sp := &s
		c.sigs = append(c.sigs, sp)
		c.byID[s.ID] = sp
		c.prefixes[s.Header[0]] = append(c.prefixes[s.Header[0]], sp)
		if len(s.Header) > c.maxHeader {
			c.maxHeader = len(s.Header)
		}
		h.Write([]byte(s.ID))
		h.Write([]byte{0})
		h.Write(s.Header)
		h.Write([]byte{0})
		h.Write(s.Footer)
	}
	// deterministic fan-out order regardless of input order
	for _, group := range c.prefixes {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}
	c.version = hex.EncodeToString(h.Sum(nil))[:16]
	return c, nil
}

// LookupPrefixes returns the first-byte fan-out index. Callers must not
// mutate the returned slices.
func (c *Catalog) LookupPrefixes() map[byte][]*Signature { return c.prefixes }

// MatchHeader reports whether sig's full header occurs at off in buf.
func (c *Catalog) MatchHeader(buf []byte, off int, sig *Signature) bool {
	if off < 0 || off+len(sig.Header) > len(buf) {
		return false
	}
	return bytes.Equal(buf[off:off+len(sig.Header)], sig.Header)
}

// ByID returns the signature with the given id.
func (c *Catalog) ByID(id string) (*Signature, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Signatures returns all signatures in registration order.
func (c *Catalog) Signatures() []*Signature { return c.sigs }

// MaxHeaderLen is the longest header length across the catalog; chunk
// overlap is derived from it so boundary-straddling headers are never missed.
func (c *Catalog) MaxHeaderLen() int { return c.maxHeader }

// Overlap is the chunk overlap required for this catalog.
func (c *Catalog) Overlap() int { return c.maxHeader - 1 }

// Version is the fingerprint of the signature set.
func (c *Catalog) Version() string { return c.version }

// Len returns the number of signatures.
func (c *Catalog) Len() int { return len(c.sigs) }
