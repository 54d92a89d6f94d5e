package output

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/ritzau/provgraph/pkg/cycles"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/symbols"
)

var (
	bold   = color.New(color.Bold)
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// PrintLineage prints a lineage result: vertices, edges, then the network
// boundaries that were not expanded.
func PrintLineage(w io.Writer, res lineage.Result) {
	g := res.Graph
	if g == nil {
		g = model.NewGraph()
	}

	// Header
	if res.Symbol != "" {
		bold.Fprintf(w, "Lineage %s\n", res.Symbol)
	} else {
		bold.Fprintln(w, "Lineage")
	}
	bold.Fprintln(w, "=======")
	fmt.Fprintf(w, "Vertices: %d  Edges: %d\n", g.VertexCount(), g.EdgeCount())
	if g.Remote {
		yellow.Fprintln(w, "Remote: crosses a host boundary")
	}
	fmt.Fprintln(w)

	if g.VertexCount() == 0 {
		red.Fprintln(w, "No matching vertices.")
		return
	}

	for _, v := range g.Vertices() {
		cyan.Fprintf(w, "  %s ", short(v.Key()))
		vertexColor(v).Fprintf(w, "%s", v.Type())
		faint.Fprintf(w, " %s\n", v.Annotations().String())
	}
	if g.EdgeCount() > 0 {
		fmt.Fprintln(w)
		for _, e := range g.Edges() {
			fmt.Fprintf(w, "  %s ", short(e.ChildKey()))
			green.Fprintf(w, "-%s->", e.Type())
			fmt.Fprintf(w, " %s\n", short(e.ParentKey()))
		}
	}

	if bs := g.Boundaries(); len(bs) > 0 {
		fmt.Fprintln(w)
		yellow.Fprintln(w, "BOUNDARIES:")
		for _, b := range bs {
			conn := "incomplete network vertex"
			if c, err := model.ConnectionOf(b.Vertex); err == nil {
				conn = c.String()
			}
			fmt.Fprintf(w, "  %s  depth %d  %s\n", short(b.Vertex.Key()), b.Depth, conn)
		}
	}
}

func vertexColor(v *model.Vertex) *color.Color {
	switch {
	case v.IsNetwork():
		return yellow
	case v.Type() == model.TypeProcess || v.Type() == model.TypeActivity:
		return green
	default:
		return bold
	}
}

// PrintSymbols prints the symbol bindings as a table.
func PrintSymbols(w io.Writer, bindings []symbols.Binding) {
	bold.Fprintf(w, "%-20s %-10s %s\n", "SYMBOL", "KIND", "VALUE")
	for _, b := range bindings {
		cyan.Fprintf(w, "%-20s ", b.Symbol)
		fmt.Fprintf(w, "%-10s %s\n", b.Kind, b.Value)
	}
	if len(bindings) == 0 {
		faint.Fprintln(w, "(no bindings)")
	}
}

// PrintCollected prints the tables dropped by a garbage collection.
func PrintCollected(w io.Writer, dropped []string) {
	if len(dropped) == 0 {
		green.Fprintln(w, "✓ Nothing to collect")
		return
	}
	yellow.Fprintf(w, "Dropped %d table(s):\n", len(dropped))
	for _, t := range dropped {
		fmt.Fprintf(w, "  %s\n", t)
	}
}

// PrintSketch prints a sketch summary.
func PrintSketch(w io.Writer, s sketch.Summary) {
	bold.Fprintf(w, "Sketch of %s\n", s.Host)
	fmt.Fprintf(w, "Local connections: %d\n", len(s.Connections))
	for _, c := range s.Connections {
		fmt.Fprintf(w, "  %s\n", c)
	}
	hosts := make([]string, 0, len(s.Peers))
	for h := range s.Peers {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	if len(hosts) > 0 {
		fmt.Fprintln(w)
		cyan.Fprintln(w, "PEERS:")
		for _, h := range hosts {
			fmt.Fprintf(w, "  %-20s %d connection(s)\n", h, s.Peers[h])
		}
	}
}

// PrintCycles prints the cycles found in a graph.
func PrintCycles(w io.Writer, symbol string, found []cycles.Cycle) {
	if len(found) == 0 {
		green.Fprintf(w, "✓ No cycles in %s\n", symbol)
		return
	}
	red.Fprintf(w, "✗ Found %d cycle(s) in %s\n", len(found), symbol)
	for i, c := range found {
		fmt.Fprintf(w, "\n  Cycle %d: %d vertices, %d edges\n", i+1, len(c.Vertices), len(c.Edges))
		for _, k := range c.Vertices {
			fmt.Fprintf(w, "    %s\n", short(k))
		}
	}
}

func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
