package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ritzau/provgraph/pkg/cycles"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/output"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/symbols"
	"github.com/ritzau/provgraph/pkg/web"
)

var (
	serverURL string
	timeout   time.Duration

	query     lineage.Query
	direction string
)

// apiClient talks to a running provd.
type apiClient struct {
	base string
	http *http.Client
}

func newClient() *apiClient {
	return &apiClient{base: strings.TrimRight(serverURL, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addClientCommands(root *cobra.Command) {
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "provd API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")

	lineageCmd := &cobra.Command{
		Use:   "lineage <selector>",
		Short: "Query ancestors or descendants of the vertices a selector matches",
		Long: `Query ancestors or descendants of the vertices a selector matches.

The selector is a filter expression such as "type=Process AND name=cat",
or a predicate symbol such as %procs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runLineage,
	}
	f := lineageCmd.Flags()
	f.StringVarP(&query.Symbol, "symbol", "s", "", "Bind the result to this $symbol")
	f.StringVarP(&direction, "direction", "d", "ancestors", "ancestors, descendants or both")
	f.IntVar(&query.MaxDepth, "depth", 10, "Maximum traversal depth")
	f.IntVar(&query.Limit, "limit", 0, "Per-primitive result limit (0 uses the server default)")
	f.BoolVar(&query.Remote, "remote", false, "Follow network boundaries to peer hosts")
	f.StringVar(&query.Target, "target", "", "Connection key the remote lineage must reach")

	symbolsCmd := &cobra.Command{
		Use:   "symbols",
		Short: "List symbol bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var bindings []symbols.Binding
			if err := newClient().do(cmd.Context(), http.MethodGet, "/api/symbols", nil, &bindings); err != nil {
				return err
			}
			output.PrintSymbols(os.Stdout, bindings)
			return nil
		},
	}

	unbindCmd := &cobra.Command{
		Use:   "unbind <symbol>",
		Short: "Remove a symbol binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(cmd.Context(), http.MethodDelete, "/api/symbols/"+url.PathEscape(args[0]), nil, nil)
		},
	}

	predicateCmd := &cobra.Command{
		Use:   "predicate <%symbol> <expression>",
		Short: "Bind a predicate symbol to a filter expression",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := web.PredicateRequest{Symbol: args[0], Expression: strings.Join(args[1:], " ")}
			return newClient().do(cmd.Context(), http.MethodPost, "/api/predicates", req, nil)
		},
	}

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Drop graph tables no symbol reaches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res web.CollectResponse
			if err := newClient().do(cmd.Context(), http.MethodPost, "/api/gc", nil, &res); err != nil {
				return err
			}
			output.PrintCollected(os.Stdout, res.Dropped)
			return nil
		},
	}

	sketchCmd := &cobra.Command{
		Use:   "sketch [host]",
		Short: "Show the sketch summary, refreshing host's sketch first if given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var s sketch.Summary
			if len(args) == 1 {
				path := "/api/sketch/" + url.PathEscape(args[0]) + "/refresh"
				if err := c.do(cmd.Context(), http.MethodPost, path, nil, &s); err != nil {
					return err
				}
			} else if err := c.do(cmd.Context(), http.MethodGet, "/api/sketch", nil, &s); err != nil {
				return err
			}
			output.PrintSketch(os.Stdout, s)
			return nil
		},
	}

	cyclesCmd := &cobra.Command{
		Use:   "cycles <$symbol>",
		Short: "Report cycles in a bound graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var found []cycles.Cycle
			path := "/api/graphs/" + url.PathEscape(args[0]) + "/cycles"
			if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &found); err != nil {
				return err
			}
			output.PrintCycles(os.Stdout, args[0], found)
			if len(found) > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	root.AddCommand(lineageCmd, symbolsCmd, unbindCmd, predicateCmd, gcCmd, sketchCmd, cyclesCmd)
}

func runLineage(cmd *cobra.Command, args []string) error {
	d, err := lineage.ParseDirection(direction)
	if err != nil {
		return err
	}
	q := query
	q.Direction = d
	q.Selector = strings.Join(args, " ")

	var res lineage.Result
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/lineage", q, &res); err != nil {
		return err
	}
	output.PrintLineage(os.Stdout, res)
	return nil
}
