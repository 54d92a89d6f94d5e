package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/ritzau/provgraph/pkg/cycles"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/symbols"
)

func init() {
	color.NoColor = true
}

func TestPrintLineage(t *testing.T) {
	p := model.MustVertex("type", "Process", "pid", "1")
	f := model.MustVertex("type", "Artifact", "path", "/a")
	n := model.MustVertex(
		"type", "Artifact",
		"subtype", "network",
		"source host", "10.0.0.1",
		"source port", "5000",
		"destination host", "10.0.0.2",
		"destination port", "80",
	)
	g := model.NewGraph()
	g.AddVertex(p)
	g.AddVertex(f)
	g.AddVertex(n)
	g.AddEdge(model.MustEdge(model.EdgeUsed, p, f))
	g.AddBoundary(n, 2)

	var buf bytes.Buffer
	PrintLineage(&buf, lineage.Result{Symbol: "$x", Graph: g})
	out := buf.String()

	for _, want := range []string{
		"Lineage $x",
		"Vertices: 3  Edges: 1",
		"Remote: crosses a host boundary",
		"-Used->",
		"depth 2  10.0.0.1:5000->10.0.0.2:80",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPrintLineageEmpty(t *testing.T) {
	var buf bytes.Buffer
	PrintLineage(&buf, lineage.Result{})
	if !strings.Contains(buf.String(), "No matching vertices.") {
		t.Errorf("Expected empty notice, got:\n%s", buf.String())
	}
}

func TestPrintSymbols(t *testing.T) {
	var buf bytes.Buffer
	PrintSymbols(&buf, []symbols.Binding{
		{Symbol: "$base", Kind: symbols.KindGraph, Value: "base"},
		{Symbol: "%procs", Kind: symbols.KindPredicate, Value: "type=Process"},
	})
	out := buf.String()
	if !strings.Contains(out, "%procs") || !strings.Contains(out, "type=Process") {
		t.Errorf("Expected predicate binding in output, got:\n%s", out)
	}
}

func TestPrintCollectedAndSketch(t *testing.T) {
	var buf bytes.Buffer
	PrintCollected(&buf, nil)
	if !strings.Contains(buf.String(), "Nothing to collect") {
		t.Errorf("Unexpected output %q", buf.String())
	}

	buf.Reset()
	PrintCollected(&buf, []string{"spade_graph_1_vertex", "spade_graph_1_edge"})
	if !strings.Contains(buf.String(), "Dropped 2 table(s)") {
		t.Errorf("Unexpected output %q", buf.String())
	}

	buf.Reset()
	PrintSketch(&buf, sketch.Summary{Host: "10.0.0.1", Connections: []string{"a"}, Peers: map[string]int{"10.0.0.2": 3}})
	if !strings.Contains(buf.String(), "10.0.0.2") || !strings.Contains(buf.String(), "3 connection(s)") {
		t.Errorf("Unexpected output %q", buf.String())
	}
}

func TestPrintCycles(t *testing.T) {
	var buf bytes.Buffer
	PrintCycles(&buf, "$g", nil)
	if !strings.Contains(buf.String(), "No cycles in $g") {
		t.Errorf("Unexpected output %q", buf.String())
	}

	buf.Reset()
	PrintCycles(&buf, "$g", []cycles.Cycle{{Vertices: []string{"0123456789abcdef", "fedcba9876543210"}, Edges: []string{"e1", "e2"}}})
	out := buf.String()
	if !strings.Contains(out, "Found 1 cycle(s)") || !strings.Contains(out, "01234567") {
		t.Errorf("Unexpected output %q", out)
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Errorf("Expected shortened keys, got %q", out)
	}
}
