package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/model"
)

// HTTPPeer queries a peer's HTTP API.
type HTTPPeer struct {
	Client *http.Client
	// Port is the HTTP port peers listen on.
	Port int
	// BaseURL overrides the URL used for host.
	BaseURL func(host string) string
}

// NewHTTPPeer creates a peer client with the given request timeout.
func NewHTTPPeer(port int, timeout time.Duration) *HTTPPeer {
	return &HTTPPeer{Client: &http.Client{Timeout: timeout}, Port: port}
}

func (p *HTTPPeer) url(host string) string {
	if p.BaseURL != nil {
		return p.BaseURL(host)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Lineage posts q to the peer's /api/lineage. Forwarded queries never ask
// the peer to resolve further, so a request cannot loop between hosts.
func (p *HTTPPeer) Lineage(ctx context.Context, host string, q lineage.Query) (*model.Graph, error) {
	q.Remote = false
	q.Symbol = ""
	q.Target = ""
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(host)+"/api/lineage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logging.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("querying %s: status %d: %s", host, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var result lineage.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding lineage from %s: %w", host, err)
	}
	if result.Graph == nil {
		return model.NewGraph(), nil
	}
	return result.Graph, nil
}
