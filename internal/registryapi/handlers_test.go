package registryapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

func newTestAPI(t *testing.T) (*marketplace.Store, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := marketplace.NewStore(nil)
	router := gin.New()
	RegisterRoutes(router, NewHandler(store, nil))
	return store, router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerTestAgent(t *testing.T, router *gin.Engine, id, wallet string, caps []string) marketplace.Agent {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/agents/register", RegisterAgentRequest{
		AgentID:       id,
		Name:          id,
		AgentType:     "data_provider",
		EndpointURL:   "http://93.184.216.34/deliver",
		WalletAddress: wallet,
		Capabilities:  caps,
		Pricing:       map[string]string{"price_data": "0.000100"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var agent marketplace.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	return agent
}

func createTestRFP(t *testing.T, router *gin.Engine, requester, taskType, budget string) marketplace.RFP {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/rfp/create", CreateRFPRequest{
		TaskType:         taskType,
		Requirements:     map[string]interface{}{"symbol": "SOL/USDC"},
		MaxBudgetUSDC:    budget,
		RequesterAgentID: requester,
		TTLSeconds:       300,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rfp marketplace.RFP
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rfp))
	return rfp
}

const (
	walletOne = "0x1111111111111111111111111111111111111111"
	walletTwo = "0x2222222222222222222222222222222222222222"
)

func TestRegisterAgentIdempotent(t *testing.T) {
	_, router := newTestAPI(t)

	registerTestAgent(t, router, "p1", walletOne, []string{"price_data"})
	again := registerTestAgent(t, router, "p1", walletOne, []string{"price_data", "weather"})
	assert.Equal(t, "p1", again.AgentID)

	rec := doJSON(t, router, http.MethodGet, "/agents?agent_type=data_provider", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []marketplace.Agent `json:"agents"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count, "re-registering the same agent_id must not create a duplicate")
	assert.Contains(t, list.Agents[0].Capabilities, "weather")
}

func TestRegisterAgentRejectsBadInput(t *testing.T) {
	_, router := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/agents/register", RegisterAgentRequest{
		AgentID:       "bad",
		Name:          "bad",
		AgentType:     "data_provider",
		EndpointURL:   "http://169.254.169.254/latest/meta-data", // link-local metadata endpoint
		WalletAddress: walletOne,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/agents/register", RegisterAgentRequest{
		AgentID:       "bad2",
		Name:          "bad2",
		AgentType:     "data_provider",
		EndpointURL:   "http://93.184.216.34/deliver",
		WalletAddress: "not-an-address",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRFPLifecycle(t *testing.T) {
	_, router := newTestAPI(t)

	registerTestAgent(t, router, "consumer1", walletOne, nil)
	registerTestAgent(t, router, "p1", walletTwo, []string{"price_data"})
	rfp := createTestRFP(t, router, "consumer1", "price_data", "200")

	// Open listing honors the task_types csv filter.
	rec := doJSON(t, router, http.MethodGet, "/rfp/open?task_types=price_data,weather", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var open struct {
		RFPs  []marketplace.RFP `json:"rfps"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	require.Equal(t, 1, open.Count)

	rec = doJSON(t, router, http.MethodGet, "/rfp/open?task_types=weather", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	assert.Equal(t, 0, open.Count)

	// Bid above budget is rejected and leaves the RFP bid-free.
	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/bid", SubmitBidRequest{
		BidderAgentID: "p1",
		BidPriceUSDC:  "250",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/bid", SubmitBidRequest{
		BidderAgentID:         "p1",
		BidPriceUSDC:          "100",
		EstimatedCompletionMs: 500,
		ConfidenceScore:       0.9,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bid marketplace.Bid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bid))

	// Re-submitting replaces the earlier bid rather than stacking a second
	// active one.
	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/bid", SubmitBidRequest{
		BidderAgentID: "p1",
		BidPriceUSDC:  "90",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var replacement marketplace.Bid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replacement))

	rec = doJSON(t, router, http.MethodGet, "/rfp/"+rfp.RFPID+"/bids", nil)
	var bids struct {
		Bids []marketplace.Bid `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bids))
	active := 0
	for _, b := range bids.Bids {
		if !b.Rejected {
			active++
		}
	}
	assert.Equal(t, 1, active)

	// Only the requester may select.
	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/select", SelectWinnerRequest{
		BidID:           replacement.BidID,
		SelectorAgentID: "p1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/select", SelectWinnerRequest{
		BidID:           replacement.BidID,
		SelectorAgentID: "consumer1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var assignment marketplace.Assignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assignment))
	assert.Equal(t, "90", assignment.AgreedPriceUSDC)
	assert.Equal(t, "p1", assignment.ProviderAgentID)

	// A second select conflicts.
	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/select", SelectWinnerRequest{
		BidID:           replacement.BidID,
		SelectorAgentID: "consumer1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Delivery and rating close the loop.
	rec = doJSON(t, router, http.MethodPost, "/assignments/"+assignment.AssignmentID+"/delivery", RecordDeliveryRequest{
		PaymentTxSignature: "0xsig",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/agents/p1/rate", RateRequest{
		RaterAgentID: "consumer1",
		AssignmentID: assignment.AssignmentID,
		Stars:        5,
		ReviewText:   "fast and accurate",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate rating conflicts.
	rec = doJSON(t, router, http.MethodPost, "/agents/p1/rate", RateRequest{
		RaterAgentID: "consumer1",
		AssignmentID: assignment.AssignmentID,
		Stars:        1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/agents/p1/reputation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep marketplace.ReputationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.InDelta(t, 5.0, rep.Mean, 1e-9)
	assert.Equal(t, 1, rep.Count)
	assert.Equal(t, 1, rep.Histogram[5])
}

func TestCancelRFPRequesterOnly(t *testing.T) {
	_, router := newTestAPI(t)
	registerTestAgent(t, router, "consumer1", walletOne, nil)
	rfp := createTestRFP(t, router, "consumer1", "price_data", "100")

	rec := doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/cancel", CancelRFPRequest{CallerAgentID: "someone-else"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/cancel", CancelRFPRequest{CallerAgentID: "consumer1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/rfp/open?task_types=price_data", nil)
	var open struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	assert.Equal(t, 0, open.Count)
}

func TestExpiredRFPRejectsBids(t *testing.T) {
	store, router := newTestAPI(t)
	registerTestAgent(t, router, "consumer1", walletOne, nil)
	registerTestAgent(t, router, "p1", walletTwo, []string{"price_data"})

	rec := doJSON(t, router, http.MethodPost, "/rfp/create", CreateRFPRequest{
		TaskType:         "price_data",
		MaxBudgetUSDC:    "100",
		RequesterAgentID: "consumer1",
		TTLSeconds:       1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rfp marketplace.RFP
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rfp))

	swept := store.Sweep(time.Now().Add(2 * time.Second))
	require.Contains(t, swept, rfp.RFPID)

	rec = doJSON(t, router, http.MethodGet, "/rfp/open?task_types=price_data", nil)
	var open struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	assert.Equal(t, 0, open.Count, "expired RFPs never appear in /rfp/open")

	rec = doJSON(t, router, http.MethodPost, "/rfp/"+rfp.RFPID+"/bid", SubmitBidRequest{
		BidderAgentID: "p1",
		BidPriceUSDC:  "50",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "expired RFPs reject new bids")
}

func TestStreamRFPs(t *testing.T) {
	_, router := newTestAPI(t)
	registerTestAgent(t, router, "consumer1", walletOne, nil)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rfp/stream?task_types=price_data"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a beat to finish registering the subscriber.
	time.Sleep(50 * time.Millisecond)

	// The weather RFP is filtered out; only price_data reaches this client.
	createTestRFP(t, router, "consumer1", "weather", "50")
	rfp := createTestRFP(t, router, "consumer1", "price_data", "200")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Type string           `json:"type"`
		RFP  *marketplace.RFP `json:"rfp"`
	}
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "rfp_created", event.Type)
	require.NotNil(t, event.RFP)
	assert.Equal(t, rfp.RFPID, event.RFP.RFPID)
	assert.Equal(t, "price_data", event.RFP.TaskType)
}
