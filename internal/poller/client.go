package poller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/resilience"
)

// Fetcher retrieves the current status snapshot of a run.
type Fetcher interface {
	FetchStatus(ctx context.Context, runID string) (*model.StatusSnapshot, error)
}

// ClientOptions configures a StatusClient.
type ClientOptions struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// StatusClient fetches run status from the server's status endpoint.
type StatusClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewStatusClient creates a StatusClient for the server at baseURL.
func NewStatusClient(baseURL string, opts ClientOptions) *StatusClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}
}

// FetchStatus issues GET /api/pipeline/{runID}/status. A 404 yields
// ErrStatusNotFound; any other non-2xx response is a transient error.
func (c *StatusClient) FetchStatus(ctx context.Context, runID string) (*model.StatusSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "poller: rate limit wait")
	}

	endpoint := c.baseURL + "/api/pipeline/" + url.PathEscape(runID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "poller: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "poller: fetch status %s", runID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrStatusNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.NewTransientError(
			eris.Errorf("poller: status endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode,
		)
	}

	var snap model.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, eris.Wrap(err, "poller: decode status")
	}
	return &snap, nil
}
