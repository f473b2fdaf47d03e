package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// signatureFile is the on-disk form of a signature set. Header and footer
// are hex-encoded so the files stay editable by hand.
type signatureFile struct {
	Signatures []signatureJSON `json:"signatures"`
}

type signatureJSON struct {
	ID          string       `json:"id"`
	Category    string       `json:"category"`
	Extension   string       `json:"extension"`
	Description string       `json:"description,omitempty"`
	HeaderHex   string       `json:"header_hex"`
	FooterHex   string       `json:"footer_hex,omitempty"`
	MaxSize     int64        `json:"max_size"`
	Encoding    SizeEncoding `json:"size_encoding,omitempty"`
}

// manifest is the optional index.json pinning an expected composite hash.
type manifest struct {
	Version   string `json:"version"`
	CreatedAt string `json:"created_at,omitempty"`
	Hash      string `json:"hash"`
}

// LoadDir builds a catalog from every *.json file in dir (index.json is the
// optional manifest, not a signature file). File contents are hashed into a
// composite version so callers can detect signature-set drift.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") && e.Name() != "index.json" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("catalog dir %s: no signature files", dir)
	}
	sort.Strings(files)

	h := sha256.New()
	var sigs []Signature
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		h.Write(data)
		var sf signatureFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		for _, sj := range sf.Signatures {
			s, err := sj.toSignature()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			sigs = append(sigs, s)
		}
	}
	composite := hex.EncodeToString(h.Sum(nil))

	if data, err := os.ReadFile(filepath.Join(dir, "index.json")); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse index.json: %w", err)
		}
		if m.Hash != "" && m.Hash != composite {
			return nil, fmt.Errorf("catalog dir %s: composite hash %s does not match manifest %s", dir, composite, m.Hash)
		}
	}

	return New(sigs)
}

func (sj signatureJSON) toSignature() (Signature, error) {
	header, err := hex.DecodeString(sj.HeaderHex)
	if err != nil {
		return Signature{}, fmt.Errorf("signature %q: bad header_hex: %w", sj.ID, err)
	}
	var footer []byte
	if sj.FooterHex != "" {
		footer, err = hex.DecodeString(sj.FooterHex)
		if err != nil {
			return Signature{}, fmt.Errorf("signature %q: bad footer_hex: %w", sj.ID, err)
		}
	}
	return Signature{
		ID:          sj.ID,
		Category:    sj.Category,
		Extension:   sj.Extension,
		Description: sj.Description,
		Header:      header,
		Footer:      footer,
		MaxSize:     sj.MaxSize,
		Encoding:    sj.Encoding,
	}, nil
}
