package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved annotation keys
const (
	KeyType            = "type"
	KeySubtype         = "subtype"
	KeySourceHost      = "source host"
	KeySourcePort      = "source port"
	KeyDestinationHost = "destination host"
	KeyDestinationPort = "destination port"

	SubtypeNetwork = "network"
)

// Identity keys understood by storage filters
const (
	PrimaryKey = "hash"
	ChildKey   = "childVertexHash"
	ParentKey  = "parentVertexHash"
)

// Vertex types
const (
	TypeProcess  = "Process"
	TypeArtifact = "Artifact"
	TypeAgent    = "Agent"
	TypeActivity = "Activity"
	TypeEntity   = "Entity"
)

// Edge types, child -> parent
const (
	EdgeUsed              = "Used"              // Process -> Artifact
	EdgeWasGeneratedBy    = "WasGeneratedBy"    // Artifact -> Process
	EdgeWasTriggeredBy    = "WasTriggeredBy"    // Process -> Process
	EdgeWasDerivedFrom    = "WasDerivedFrom"    // Artifact -> Artifact
	EdgeWasControlledBy   = "WasControlledBy"   // Process -> Agent
	EdgeWasAssociatedWith = "WasAssociatedWith" // Activity -> Agent
	EdgeWasAttributedTo   = "WasAttributedTo"   // Entity -> Agent
	EdgeWasInformedBy     = "WasInformedBy"     // Activity -> Activity
)

var (
	// ErrMissingType is returned when an element has no type annotation.
	ErrMissingType = errors.New("element has no type annotation")
	// ErrMissingEndpoint is returned for an edge without child or parent.
	ErrMissingEndpoint = errors.New("edge endpoint missing")
)

// Vertex is an immutable provenance entity. Its key is computed from the
// annotations when it is created.
type Vertex struct {
	annotations Annotations
	key         string
}

// NewVertex creates a vertex from a copy of the given annotations.
func NewVertex(a Annotations) (*Vertex, error) {
	if t, ok := a.Get(KeyType); !ok || t == "" {
		return nil, ErrMissingType
	}
	a = a.Clone()
	return &Vertex{annotations: a, key: digest(a)}, nil
}

// MustVertex builds a vertex from key/value pairs and panics on error.
func MustVertex(pairs ...string) *Vertex {
	a, err := NewAnnotations(pairs...)
	if err != nil {
		panic(err)
	}
	v, err := NewVertex(a)
	if err != nil {
		panic(err)
	}
	return v
}

// Key returns the primary key.
func (v *Vertex) Key() string { return v.key }

// Type returns the type annotation.
func (v *Vertex) Type() string {
	t, _ := v.annotations.Get(KeyType)
	return t
}

// Get returns a single annotation.
func (v *Vertex) Get(key string) (string, bool) { return v.annotations.Get(key) }

// Annotations returns a copy of the annotations.
func (v *Vertex) Annotations() Annotations { return v.annotations.Clone() }

// IsNetwork reports whether the vertex marks a host boundary.
func (v *Vertex) IsNetwork() bool {
	s, _ := v.annotations.Get(KeySubtype)
	return s == SubtypeNetwork
}

func (v *Vertex) String() string {
	return fmt.Sprintf("%s%s", v.Type(), v.annotations.String())
}

type vertexJSON struct {
	Hash        string      `json:"hash,omitempty"`
	Annotations Annotations `json:"annotations"`
}

func (v *Vertex) MarshalJSON() ([]byte, error) {
	return json.Marshal(vertexJSON{Hash: v.key, Annotations: v.annotations})
}

func (v *Vertex) UnmarshalJSON(data []byte) error {
	var raw vertexJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nv, err := NewVertex(raw.Annotations)
	if err != nil {
		return err
	}
	*v = *nv
	return nil
}

// Edge is an immutable causal relation from Child to Parent. Edges read back
// from storage may carry only the endpoint keys.
type Edge struct {
	annotations Annotations
	key         string
	child       *Vertex
	parent      *Vertex
	childKey    string
	parentKey   string
}

// NewEdge creates an edge between two vertices.
func NewEdge(a Annotations, child, parent *Vertex) (*Edge, error) {
	if child == nil || parent == nil {
		return nil, ErrMissingEndpoint
	}
	e, err := NewEdgeByKey(a, child.Key(), parent.Key())
	if err != nil {
		return nil, err
	}
	e.child = child
	e.parent = parent
	return e, nil
}

// NewEdgeByKey creates an edge that references its endpoints by key only.
func NewEdgeByKey(a Annotations, childKey, parentKey string) (*Edge, error) {
	if t, ok := a.Get(KeyType); !ok || t == "" {
		return nil, ErrMissingType
	}
	if childKey == "" || parentKey == "" {
		return nil, ErrMissingEndpoint
	}
	a = a.Clone()
	return &Edge{
		annotations: a,
		key:         digest(a, childKey, parentKey),
		childKey:    childKey,
		parentKey:   parentKey,
	}, nil
}

// MustEdge builds an edge of the given type and panics on error.
func MustEdge(edgeType string, child, parent *Vertex, pairs ...string) *Edge {
	a, err := NewAnnotations(append([]string{KeyType, edgeType}, pairs...)...)
	if err != nil {
		panic(err)
	}
	e, err := NewEdge(a, child, parent)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Edge) Key() string { return e.key }

func (e *Edge) Type() string {
	t, _ := e.annotations.Get(KeyType)
	return t
}

func (e *Edge) Get(key string) (string, bool) { return e.annotations.Get(key) }

func (e *Edge) Annotations() Annotations { return e.annotations.Clone() }

// Child returns the source vertex, or nil when only the key is known.
func (e *Edge) Child() *Vertex { return e.child }

// Parent returns the destination vertex, or nil when only the key is known.
func (e *Edge) Parent() *Vertex { return e.parent }

func (e *Edge) ChildKey() string { return e.childKey }

func (e *Edge) ParentKey() string { return e.parentKey }

// WithEndpoints returns a copy of e with resolved endpoint vertices.
func (e *Edge) WithEndpoints(child, parent *Vertex) *Edge {
	c := *e
	if child != nil && child.Key() == e.childKey {
		c.child = child
	}
	if parent != nil && parent.Key() == e.parentKey {
		c.parent = parent
	}
	return &c
}

// KeysOnly returns a copy of e without endpoint vertices.
func (e *Edge) KeysOnly() *Edge {
	c := *e
	c.child = nil
	c.parent = nil
	return &c
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s(%s -> %s)", e.Type(), short(e.childKey), short(e.parentKey))
}

func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

type edgeJSON struct {
	Hash        string      `json:"hash,omitempty"`
	Annotations Annotations `json:"annotations"`
	ChildKey    string      `json:"childVertexHash,omitempty"`
	ParentKey   string      `json:"parentVertexHash,omitempty"`
	Child       *Vertex     `json:"child,omitempty"`
	Parent      *Vertex     `json:"parent,omitempty"`
}

func (e *Edge) MarshalJSON() ([]byte, error) {
	return json.Marshal(edgeJSON{
		Hash:        e.key,
		Annotations: e.annotations,
		ChildKey:    e.childKey,
		ParentKey:   e.parentKey,
		Child:       e.child,
		Parent:      e.parent,
	})
}

func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw edgeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var (
		ne  *Edge
		err error
	)
	if raw.Child != nil && raw.Parent != nil {
		ne, err = NewEdge(raw.Annotations, raw.Child, raw.Parent)
	} else {
		ne, err = NewEdgeByKey(raw.Annotations, raw.ChildKey, raw.ParentKey)
	}
	if err != nil {
		return err
	}
	*e = *ne
	return nil
}

// Connection identifies the socket a network vertex stands for. Both hosts
// of a connection derive the same value.
type Connection struct {
	SourceHost      string
	SourcePort      string
	DestinationHost string
	DestinationPort string
}

// ConnectionOf extracts the connection of a network vertex.
func ConnectionOf(v *Vertex) (Connection, error) {
	if !v.IsNetwork() {
		return Connection{}, fmt.Errorf("vertex %s is not a network vertex", short(v.Key()))
	}
	var c Connection
	var err error
	if c.SourceHost, err = v.annotations.Require(KeySourceHost); err != nil {
		return c, err
	}
	if c.SourcePort, err = v.annotations.Require(KeySourcePort); err != nil {
		return c, err
	}
	if c.DestinationHost, err = v.annotations.Require(KeyDestinationHost); err != nil {
		return c, err
	}
	if c.DestinationPort, err = v.annotations.Require(KeyDestinationPort); err != nil {
		return c, err
	}
	return c, nil
}

func (c Connection) String() string {
	return c.SourceHost + ":" + c.SourcePort + "->" + c.DestinationHost + ":" + c.DestinationPort
}

// RemoteHost returns the end of the connection that is not local.
func (c Connection) RemoteHost(local string) string {
	if c.SourceHost == local {
		return c.DestinationHost
	}
	return c.SourceHost
}
