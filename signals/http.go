// signals/http.go
package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"quanthelm/logs"
)

// HTTPProvider fetches advisor views from the model sidecar over plain HTTP.
// The sidecar owns the feature pipeline and every model; the engine only sees
// the structured decision bundle.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider for the given endpoint.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type viewsRequest struct {
	Symbols []string `json:"symbols"`
}

type viewsResponse struct {
	Views []SymbolView `json:"views"`
}

// Views requests decisions for the given symbols. Symbols missing from the
// response, or carrying an unknown regime label, are dropped with a warning
// so one bad symbol never blocks the cycle.
func (p *HTTPProvider) Views(ctx context.Context, symbols []string) (map[string]SymbolView, error) {
	payload, err := json.Marshal(viewsRequest{Symbols: symbols})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal views request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build views request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("advisor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read advisor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisor returned status %d: %s", resp.StatusCode, string(body))
	}

	var decoded viewsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode advisor response: %w", err)
	}

	out := make(map[string]SymbolView, len(decoded.Views))
	for _, v := range decoded.Views {
		if !v.Macro.Regime.Valid() || !v.Tactical.Regime.Valid() {
			logs.Warn(fmt.Sprintf("Advisor view for %s carries unknown regime (macro=%s tactical=%s), skipping symbol.",
				v.Symbol, v.Macro.Regime, v.Tactical.Regime))
			continue
		}
		if v.AsOf.IsZero() {
			v.AsOf = time.Now()
		}
		out[v.Symbol] = v
	}
	return out, nil
}
