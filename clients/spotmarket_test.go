package clients

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/vidfleet/vidfleet/errors"
)

func newTestSpotMarketClient(t *testing.T, handler http.HandlerFunc) *SpotMarketClient {
	t.Helper()
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)
	return NewSpotMarketClient(svr.URL, "test-key")
}

func TestLaunchCommandIsShellWrapped(t *testing.T) {
	argv := LaunchCommand("echo hi && run-worker")
	require.Equal(t, []string{"bash", "-c", "echo hi && run-worker"}, argv)
}

func TestSearchOffersSortsByPriceThenReliability(t *testing.T) {
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/offers/search", r.URL.Path)
		offers := []Offer{
			{OfferID: "b", PricePerHour: 0.50, Reliability: 0.9},
			{OfferID: "a", PricePerHour: 0.10, Reliability: 0.8},
			{OfferID: "c", PricePerHour: 0.10, Reliability: 0.95},
		}
		_ = json.NewEncoder(w).Encode(offers)
	})

	offers, err := c.SearchOffers(SearchOffersParams{MinVRAMGB: 16})
	require.NoError(t, err)
	require.Len(t, offers, 3)
	require.Equal(t, "c", offers[0].OfferID)
	require.Equal(t, "a", offers[1].OfferID)
	require.Equal(t, "b", offers[2].OfferID)
}

func TestCreateInstanceWrapsLaunchCommand(t *testing.T) {
	var gotLaunch []string
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Launch []string `json:"launch_command"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotLaunch = body.Launch
		_ = json.NewEncoder(w).Encode(map[string]string{"instance_id": "inst-1"})
	})

	id, err := c.CreateInstance(CreateInstanceParams{
		OfferID:       "offer-1",
		Image:         "vidfleet/worker",
		LaunchCommand: "/opt/worker/run.sh --job job-1",
	})
	require.NoError(t, err)
	require.Equal(t, "inst-1", id)
	require.Equal(t, []string{"bash", "-c", "/opt/worker/run.sh --job job-1"}, gotLaunch)
}

func TestGetInstanceNotFoundReturnsNilNoError(t *testing.T) {
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such instance"}`))
	})

	instance, err := c.GetInstance("gone")
	require.NoError(t, err)
	require.Nil(t, instance)
}

func TestGetInstanceRunning(t *testing.T) {
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Instance{InstanceID: "inst-1", Status: InstanceRunning})
	})

	instance, err := c.GetInstance("inst-1")
	require.NoError(t, err)
	require.NotNil(t, instance)
	require.Equal(t, InstanceRunning, instance.Status)
}

func TestRateLimitedIsDistinguishedFromGenericFailure(t *testing.T) {
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	})

	_, err := c.SearchOffers(SearchOffersParams{})
	require.Error(t, err)
	require.True(t, xerrors.IsRateLimited(err))
}

func TestGetLogsPassesTailAsQueryParam(t *testing.T) {
	var gotPath, gotQuery string
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("tail")
		_ = json.NewEncoder(w).Encode(map[string]string{"logs": "hello\n"})
	})

	logs, err := c.GetLogs("inst-1", 500)
	require.NoError(t, err)
	require.Equal(t, "hello\n", logs)
	require.Equal(t, "/instances/inst-1/logs", gotPath)
	require.Equal(t, "500", gotQuery)
}

func TestStopAndDestroyInstance(t *testing.T) {
	var gotPath string
	c := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.StopInstance("inst-1"))
	require.Equal(t, "/instances/inst-1/stop", gotPath)

	require.NoError(t, c.DestroyInstance("inst-1"))
	require.Equal(t, "/instances/inst-1/destroy", gotPath)
}
