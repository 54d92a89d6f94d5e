// Package sketch keeps, per network connection, a compact summary of the
// network vertices upstream of it, and exchanges those summaries with peer
// hosts so lineage queries can skip hosts that cannot contribute.
package sketch

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/ritzau/provgraph/pkg/model"
)

// ErrIncompatible is returned when two entries cannot be combined.
var ErrIncompatible = errors.New("incompatible sketch entries")

// Params size the per-connection filters.
type Params struct {
	// FalsePositive is the target false-positive rate. Zero selects exact
	// sets, which never report false positives.
	FalsePositive float64
	// ExpectedSize is the number of keys each filter is sized for.
	ExpectedSize uint
}

// DefaultParams match the sizing used when nothing is configured.
func DefaultParams() Params {
	return Params{FalsePositive: 0.1, ExpectedSize: 20}
}

func (p Params) exact() bool { return p.FalsePositive <= 0 }

// Entry is the set of upstream keys recorded for one connection.
type Entry struct {
	bloom *bloom.BloomFilter
	exact map[string]bool
}

func newEntry(p Params) *Entry {
	if p.exact() {
		return &Entry{exact: make(map[string]bool)}
	}
	n := p.ExpectedSize
	if n == 0 {
		n = DefaultParams().ExpectedSize
	}
	return &Entry{bloom: bloom.NewWithEstimates(n, p.FalsePositive)}
}

// Add records key.
func (e *Entry) Add(key string) {
	if e.exact != nil {
		e.exact[key] = true
		return
	}
	e.bloom.AddString(key)
}

// MayContain reports whether key may have been added. False is definite.
func (e *Entry) MayContain(key string) bool {
	if e.exact != nil {
		return e.exact[key]
	}
	return e.bloom.TestString(key)
}

// Union adds every key of o to e.
func (e *Entry) Union(o *Entry) error {
	switch {
	case e.exact != nil && o.exact != nil:
		for k := range o.exact {
			e.exact[k] = true
		}
		return nil
	case e.bloom != nil && o.bloom != nil:
		if err := e.bloom.Merge(o.bloom); err != nil {
			return fmt.Errorf("%w: %v", ErrIncompatible, err)
		}
		return nil
	}
	return fmt.Errorf("%w: exact and approximate", ErrIncompatible)
}

// Clone returns an independent copy.
func (e *Entry) Clone() *Entry {
	if e.exact != nil {
		c := make(map[string]bool, len(e.exact))
		for k := range e.exact {
			c[k] = true
		}
		return &Entry{exact: c}
	}
	return &Entry{bloom: e.bloom.Copy()}
}

type entryWire struct {
	Bloom []byte
	Exact []string
}

func (e *Entry) GobEncode() ([]byte, error) {
	var w entryWire
	if e.exact != nil {
		w.Exact = make([]string, 0, len(e.exact))
		for k := range e.exact {
			w.Exact = append(w.Exact, k)
		}
		sort.Strings(w.Exact)
	} else {
		b, err := e.bloom.GobEncode()
		if err != nil {
			return nil, err
		}
		w.Bloom = b
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Entry) GobDecode(data []byte) error {
	var w entryWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	if w.Bloom == nil {
		e.exact = make(map[string]bool, len(w.Exact))
		for _, k := range w.Exact {
			e.exact[k] = true
		}
		e.bloom = nil
		return nil
	}
	f := &bloom.BloomFilter{}
	if err := f.GobDecode(w.Bloom); err != nil {
		return err
	}
	e.bloom, e.exact = f, nil
	return nil
}

// MatrixFilter maps each network connection to the entry of keys upstream
// of it. It is not safe for concurrent use.
type MatrixFilter struct {
	params  Params
	entries map[string]*Entry
}

// NewMatrixFilter creates an empty matrix filter.
func NewMatrixFilter(p Params) *MatrixFilter {
	return &MatrixFilter{params: p, entries: make(map[string]*Entry)}
}

// ConnectionKey returns the key under which v's entry is stored. Both ends
// of a connection derive the same key.
func ConnectionKey(v *model.Vertex) (string, error) {
	c, err := model.ConnectionOf(v)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

func (m *MatrixFilter) entry(v *model.Vertex, create bool) (*Entry, string, error) {
	ck, err := ConnectionKey(v)
	if err != nil {
		return nil, "", err
	}
	e, ok := m.entries[ck]
	if !ok && create {
		e = newEntry(m.params)
		m.entries[ck] = e
	}
	return e, ck, nil
}

// Add records key as upstream of network vertex v.
func (m *MatrixFilter) Add(v *model.Vertex, key string) error {
	e, _, err := m.entry(v, true)
	if err != nil {
		return err
	}
	e.Add(key)
	return nil
}

// Get returns the entry of v's connection.
func (m *MatrixFilter) Get(v *model.Vertex) (*Entry, bool) {
	e, _, err := m.entry(v, false)
	if err != nil || e == nil {
		return nil, false
	}
	return e, true
}

// UpdateAncestors adds every key of ancestors to v's entry.
func (m *MatrixFilter) UpdateAncestors(v *model.Vertex, ancestors *Entry) error {
	ck, err := ConnectionKey(v)
	if err != nil {
		return err
	}
	e, ok := m.entries[ck]
	if !ok {
		m.entries[ck] = ancestors.Clone()
		return nil
	}
	return e.Union(ancestors)
}

// MayContain reports whether key may be upstream of v. It is false when v
// has no entry.
func (m *MatrixFilter) MayContain(v *model.Vertex, key string) bool {
	e, ok := m.Get(v)
	return ok && e.MayContain(key)
}

// Merge unions every entry of other into m.
func (m *MatrixFilter) Merge(other *MatrixFilter) error {
	for ck, oe := range other.entries {
		e, ok := m.entries[ck]
		if !ok {
			m.entries[ck] = oe.Clone()
			continue
		}
		if err := e.Union(oe); err != nil {
			return fmt.Errorf("merging %s: %w", ck, err)
		}
	}
	return nil
}

// Len returns the number of connections with an entry.
func (m *MatrixFilter) Len() int { return len(m.entries) }

// Connections returns the connection keys in sorted order.
func (m *MatrixFilter) Connections() []string {
	out := make([]string, 0, len(m.entries))
	for ck := range m.entries {
		out = append(out, ck)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (m *MatrixFilter) Clone() *MatrixFilter {
	c := NewMatrixFilter(m.params)
	for ck, e := range m.entries {
		c.entries[ck] = e.Clone()
	}
	return c
}

type matrixWire struct {
	FalsePositive float64
	ExpectedSize  uint
	Entries       map[string]*Entry
}

func (m *MatrixFilter) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(matrixWire{
		FalsePositive: m.params.FalsePositive,
		ExpectedSize:  m.params.ExpectedSize,
		Entries:       m.entries,
	})
	return buf.Bytes(), err
}

func (m *MatrixFilter) GobDecode(data []byte) error {
	var w matrixWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	m.params = Params{FalsePositive: w.FalsePositive, ExpectedSize: w.ExpectedSize}
	m.entries = w.Entries
	if m.entries == nil {
		m.entries = make(map[string]*Entry)
	}
	return nil
}
