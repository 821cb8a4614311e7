package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe measures the round trip of GET /health. Its samples are
// informational and never drive reconnects.
type Probe struct {
	URL    string
	Client *http.Client
}

func NewProbe(url string) *Probe {
	return &Probe{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *Probe) Measure(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	rtt := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return rtt, fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	return rtt, nil
}
