package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/registryapi"
	"github.com/mbd888/agentmesh/internal/registryclient"
)

func newRegistryServer(t *testing.T) (*marketplace.Store, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := marketplace.NewStore(nil)
	router := gin.New()
	registryapi.RegisterRoutes(router, registryapi.NewHandler(store, nil).AllowPrivateEndpoints())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return store, srv
}

func seedRFP(t *testing.T, store *marketplace.Store, requester, taskType, budget string) string {
	t.Helper()
	id, err := store.CreateRFP(context.Background(), &marketplace.RFP{
		TaskType:         taskType,
		MaxBudgetUSDC:    budget,
		RequesterAgentID: requester,
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	return id
}

func testPollerConfig() Config {
	return Config{
		AgentID:      "p1",
		Capabilities: []string{"price_data"},
		Pricing:      map[string]string{"price_data": "0.000100"},
	}
}

func TestPollerBidsOnMatchingRFP(t *testing.T) {
	store, srv := newRegistryServer(t)
	rfpID := seedRFP(t, store, "consumer1", "price_data", "1")
	seedRFP(t, store, "consumer1", "weather", "1") // different task type, ignored

	poller := NewPoller(testPollerConfig(), registryclient.New(srv.URL), nil, time.Second, nil)
	poller.tick(context.Background())

	bids, err := store.ListBids(context.Background(), rfpID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "p1", bids[0].BidderAgentID)
	assert.Equal(t, "0.000100", bids[0].BidPriceUSDC)

	// A second tick must not re-bid the same RFP.
	poller.tick(context.Background())
	bids, err = store.ListBids(context.Background(), rfpID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestPollerSkipsOwnRFPs(t *testing.T) {
	store, srv := newRegistryServer(t)
	rfpID := seedRFP(t, store, "p1", "price_data", "1")

	poller := NewPoller(testPollerConfig(), registryclient.New(srv.URL), nil, time.Second, nil)
	poller.tick(context.Background())

	bids, err := store.ListBids(context.Background(), rfpID)
	require.NoError(t, err)
	assert.Empty(t, bids)
}

func TestPollerRetriesBidOnceOnServerError(t *testing.T) {
	var listCalls, bidCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/rfp/open", func(w http.ResponseWriter, r *http.Request) {
		listCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rfps": []*marketplace.RFP{{
				RFPID:            "rfp_1",
				TaskType:         "price_data",
				MaxBudgetUSDC:    "1",
				RequesterAgentID: "consumer1",
				Status:           marketplace.RFPStatusOpen,
				ExpiresAt:        time.Now().Add(time.Minute),
			}},
			"count": 1,
		})
	})
	mux.HandleFunc("/rfp/rfp_1/bid", func(w http.ResponseWriter, r *http.Request) {
		bidCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal_error"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	poller := NewPoller(testPollerConfig(), registryclient.New(srv.URL), nil, time.Second, nil)
	poller.tick(context.Background())

	assert.Equal(t, int64(1), listCalls.Load())
	assert.Equal(t, int64(2), bidCalls.Load(), "a failed submission is retried exactly once")

	// The RFP stays in the seen set: the next tick drops it.
	poller.tick(context.Background())
	assert.Equal(t, int64(2), bidCalls.Load())
}

func TestPollerDoesNotRetryRejectedBid(t *testing.T) {
	var bidCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/rfp/open", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rfps": []*marketplace.RFP{{
				RFPID:            "rfp_1",
				TaskType:         "price_data",
				MaxBudgetUSDC:    "0.000001",
				RequesterAgentID: "consumer1",
				Status:           marketplace.RFPStatusOpen,
				ExpiresAt:        time.Now().Add(time.Minute),
			}},
			"count": 1,
		})
	})
	mux.HandleFunc("/rfp/rfp_1/bid", func(w http.ResponseWriter, r *http.Request) {
		bidCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rejected", "message": "bid price exceeds rfp max budget"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	poller := NewPoller(testPollerConfig(), registryclient.New(srv.URL), nil, time.Second, nil)
	poller.tick(context.Background())

	assert.Equal(t, int64(1), bidCalls.Load(), "a 4xx rejection is terminal, not retried")
}

func TestPollerSurvivesRegistryOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	poller := NewPoller(testPollerConfig(), registryclient.New(srv.URL), nil, time.Second, nil)
	// Outages must not panic or wedge; ticks keep returning.
	for i := 0; i < 3; i++ {
		poller.tick(context.Background())
	}
}
