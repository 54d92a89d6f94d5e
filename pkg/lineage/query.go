package lineage

import (
	"errors"
	"fmt"

	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
)

// Query is the wire form of a lineage request, as posted to /api/lineage.
type Query struct {
	// Symbol names the result graph. Empty leaves the result unbound.
	Symbol string `json:"symbol,omitempty"`
	// Selector is a filter expression, or a predicate symbol such as %procs.
	Selector  string    `json:"selector"`
	Direction Direction `json:"direction"`
	MaxDepth  int       `json:"maxDepth"`
	Limit     int       `json:"limit,omitempty"`
	// Remote asks for boundaries to be expanded on peer hosts.
	Remote bool `json:"remote,omitempty"`
	// Target is the connection key of a network vertex the caller wants to
	// reach; peers whose sketch excludes it are skipped.
	Target string `json:"target,omitempty"`
}

// Request converts q using an already resolved selector.
func (q Query) Request(selector storage.Filter) (Request, error) {
	if q.Direction == 0 {
		return Request{}, errors.New("lineage direction is required")
	}
	if q.MaxDepth < 0 {
		return Request{}, fmt.Errorf("negative max depth %d", q.MaxDepth)
	}
	return Request{Selector: selector, Direction: q.Direction, MaxDepth: q.MaxDepth, Limit: q.Limit}, nil
}

// Result is the wire form of a lineage response.
type Result struct {
	Symbol string       `json:"symbol,omitempty"`
	Graph  *model.Graph `json:"graph"`
}
