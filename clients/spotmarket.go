package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	xerrors "github.com/vidfleet/vidfleet/errors"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
)

const spotMarketTimeout = 30 * time.Second

// Offer is one spot-market rental candidate returned by SearchOffers.
type Offer struct {
	OfferID      string  `json:"offer_id"`
	GPUModel     string  `json:"gpu_model"`
	GPUVRAMGB    float64 `json:"gpu_vram_gb"`
	PricePerHour float64 `json:"price_per_hour"`
	Reliability  float64 `json:"reliability"`
}

const (
	InstanceCreating  = "creating"
	InstanceLoading   = "loading"
	InstanceRunning   = "running"
	InstanceExited    = "exited"
	InstanceStopped   = "stopped"
	InstanceDestroyed = "destroyed"
)

// Instance is a rented worker tracked by the fleet orchestrator.
type Instance struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
}

// SearchOffersParams narrows the offer search; zero values are
// treated as "no constraint" except MinReliability which defaults
// to 0.
type SearchOffersParams struct {
	MinVRAMGB        float64
	MaxPricePerHour  float64
	MinReliability   float64
	GPUNameFilter    string
}

// CreateInstanceParams describes a launch request. LaunchCommand is a
// single shell string; the LaunchCommand function below wraps it so
// the remote host always evaluates it through a shell rather than
// attempting to exec it as a bare path.
type CreateInstanceParams struct {
	OfferID       string
	Image         string
	Env           map[string]string
	LaunchCommand string
	DiskGB        int
}

// LaunchCommand returns the argv the spot-market API should exec on
// the instance: a shell invocation, never the bare script string, so
// a multi-statement or piped script is guaranteed to run as intended.
func LaunchCommand(script string) []string {
	return []string{"bash", "-c", script}
}

// SpotMarketClient is a thin JSON/HTTP client over a spot-market API:
// search, create/stop/destroy instances, and read back logs.
type SpotMarketClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewSpotMarketClient(baseURL, apiKey string) *SpotMarketClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// A 429 goes straight back to do(), which reports it as
		// RateLimited so the caller can apply its own backoff.
		if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return metrics.HttpRetryHook(ctx, resp, err)
	}
	client.HTTPClient.Timeout = spotMarketTimeout

	return &SpotMarketClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: client.StandardClient(),
	}
}

func (c *SpotMarketClient) do(operation, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return xerrors.PermanentConfig("failed to encode %s request: %s", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	requestURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return xerrors.PermanentConfig("invalid spot market path %q: %s", path, err)
	}
	if len(query) > 0 {
		parsed, err := url.Parse(requestURL)
		if err != nil {
			return xerrors.PermanentConfig("invalid spot market path %q: %s", path, err)
		}
		parsed.RawQuery = query.Encode()
		requestURL = parsed.String()
	}

	req, err := http.NewRequest(method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := metrics.MonitorRequest(metrics.Metrics.SpotMarketClient, operation, c.httpClient, req)
	if err != nil {
		return fmt.Errorf("%s request to %q failed: %w", operation, log.RedactURL(requestURL), err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%s failed to read response body: %w", operation, err)
	}

	if res.StatusCode == http.StatusTooManyRequests {
		return xerrors.RateLimited(fmt.Errorf("%s rate limited: %s", operation, respBody))
	}
	if res.StatusCode == http.StatusNotFound {
		return xerrors.NewObjectNotFoundError(operation, fmt.Errorf("%s", respBody))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", operation, res.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s failed to parse response %q: %w", operation, respBody, err)
	}
	return nil
}

// SearchOffers returns matching offers sorted ascending by
// price_per_hour, then descending by reliability.
func (c *SpotMarketClient) SearchOffers(params SearchOffersParams) ([]Offer, error) {
	var offers []Offer
	err := c.do("search_offers", http.MethodPost, "offers/search", nil, params, &offers)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].PricePerHour != offers[j].PricePerHour {
			return offers[i].PricePerHour < offers[j].PricePerHour
		}
		return offers[i].Reliability > offers[j].Reliability
	})
	return offers, nil
}

// CreateInstance launches a new instance from an offer. The caller's
// LaunchCommand is wrapped by the LaunchCommand function before being
// sent.
func (c *SpotMarketClient) CreateInstance(params CreateInstanceParams) (string, error) {
	type request struct {
		OfferID string            `json:"offer_id"`
		Image   string            `json:"image"`
		Env     map[string]string `json:"env"`
		Launch  []string          `json:"launch_command"`
		DiskGB  int               `json:"disk_gb"`
	}
	var response struct {
		InstanceID string `json:"instance_id"`
	}
	err := c.do("create_instance", http.MethodPost, "instances", nil, request{
		OfferID: params.OfferID,
		Image:   params.Image,
		Env:     params.Env,
		Launch:  LaunchCommand(params.LaunchCommand),
		DiskGB:  params.DiskGB,
	}, &response)
	if err != nil {
		return "", err
	}
	return response.InstanceID, nil
}

// GetInstance returns nil (not an error) when the instance is unknown
// to the spot market — instance-not-found is a benign, expected
// terminal state from the watcher's perspective.
func (c *SpotMarketClient) GetInstance(instanceID string) (*Instance, error) {
	var instance Instance
	err := c.do("get_instance", http.MethodGet, fmt.Sprintf("instances/%s", instanceID), nil, nil, &instance)
	if err != nil {
		if xerrors.IsObjectNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

// GetLogs returns the last tailLines lines of the instance's stdout.
func (c *SpotMarketClient) GetLogs(instanceID string, tailLines int) (string, error) {
	var response struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("instances/%s/logs", instanceID)
	query := url.Values{"tail": []string{strconv.Itoa(tailLines)}}
	err := c.do("get_logs", http.MethodGet, path, query, nil, &response)
	if err != nil {
		return "", err
	}
	return response.Logs, nil
}

// StopInstance is a soft stop; the instance may be restarted later.
func (c *SpotMarketClient) StopInstance(instanceID string) error {
	return c.do("stop_instance", http.MethodPost, fmt.Sprintf("instances/%s/stop", instanceID), nil, nil, nil)
}

// DestroyInstance is a hard, irreversible teardown.
func (c *SpotMarketClient) DestroyInstance(instanceID string) error {
	return c.do("destroy_instance", http.MethodPost, fmt.Sprintf("instances/%s/destroy", instanceID), nil, nil, nil)
}
