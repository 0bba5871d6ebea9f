package marketplace_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/testutil"
)

func newPGStore(t *testing.T) *marketplace.PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return marketplace.NewPostgresStore(db, nil)
}

func pgAgent(id string) *marketplace.Agent {
	return &marketplace.Agent{
		AgentID:       id,
		Name:          id,
		AgentType:     marketplace.AgentTypeDataProvider,
		EndpointURL:   "http://93.184.216.34/deliver",
		WalletAddress: "0x2222222222222222222222222222222222222222",
		Capabilities:  []string{"price_data"},
		Pricing:       map[string]string{"price_data": "0.000100"},
	}
}

func pgRFP(requester string, ttl time.Duration) *marketplace.RFP {
	return &marketplace.RFP{
		TaskType:         "price_data",
		Requirements:     map[string]interface{}{"symbol": "SOL/USDC"},
		MaxBudgetUSDC:    "200",
		RequesterAgentID: requester,
		ExpiresAt:        time.Now().Add(ttl),
	}
}

func TestPostgresAgentRoundTrip(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	created, err := store.RegisterAgent(ctx, pgAgent("p1"))
	require.NoError(t, err)
	assert.Equal(t, "p1", created.AgentID)
	assert.Equal(t, []string{"price_data"}, created.Capabilities)
	assert.Equal(t, "0.000100", created.Pricing["price_data"])

	// Upsert keeps counters and reputation.
	updated := pgAgent("p1")
	updated.Capabilities = []string{"price_data", "weather"}
	again, err := store.RegisterAgent(ctx, updated)
	require.NoError(t, err)
	assert.Len(t, again.Capabilities, 2)
	assert.Equal(t, created.CreatedAt.Unix(), again.CreatedAt.Unix())

	agents, err := store.ListAgents(ctx, marketplace.AgentFilter{Capability: "weather"})
	require.NoError(t, err)
	require.Len(t, agents, 1)

	require.NoError(t, store.Subscribe(ctx, "p1", "price_data"))
	assert.ErrorIs(t, store.Subscribe(ctx, "ghost", "price_data"), marketplace.ErrNotSubscribed)
}

func TestPostgresRFPBidAssignmentFlow(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	_, err := store.RegisterAgent(ctx, pgAgent("p1"))
	require.NoError(t, err)
	consumer := pgAgent("c1")
	consumer.AgentType = marketplace.AgentTypeConsumer
	_, err = store.RegisterAgent(ctx, consumer)
	require.NoError(t, err)

	rfpID, err := store.CreateRFP(ctx, pgRFP("c1", 5*time.Minute))
	require.NoError(t, err)

	open, err := store.ListOpenRFPs(ctx, []string{"price_data"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, strings.HasPrefix(open[0].MaxBudgetUSDC, "200"))

	// Over-budget bid rejected.
	_, err = store.SubmitBid(ctx, &marketplace.Bid{
		RFPID: rfpID, BidderAgentID: "p1", BidPriceUSDC: "250",
	})
	assert.ErrorIs(t, err, marketplace.ErrBudgetExceeded)

	first, err := store.SubmitBid(ctx, &marketplace.Bid{
		RFPID: rfpID, BidderAgentID: "p1", BidPriceUSDC: "150",
	})
	require.NoError(t, err)

	// Replacement supersedes.
	second, err := store.SubmitBid(ctx, &marketplace.Bid{
		RFPID: rfpID, BidderAgentID: "p1", BidPriceUSDC: "120",
	})
	require.NoError(t, err)

	bids, err := store.ListBids(ctx, rfpID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	for _, b := range bids {
		if b.BidID == first.BidID {
			assert.True(t, b.Rejected)
		}
		if b.BidID == second.BidID {
			assert.False(t, b.Rejected)
		}
	}

	// Selection: requester only, once only.
	_, err = store.SelectWinner(ctx, rfpID, second.BidID, "p1")
	assert.ErrorIs(t, err, marketplace.ErrUnauthorized)

	assignment, err := store.SelectWinner(ctx, rfpID, second.BidID, "c1")
	require.NoError(t, err)
	assert.Equal(t, "p1", assignment.ProviderAgentID)

	_, err = store.SelectWinner(ctx, rfpID, second.BidID, "c1")
	assert.ErrorIs(t, err, marketplace.ErrAlreadyAssigned)

	rfp, err := store.GetRFP(ctx, rfpID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.RFPStatusAssigned, rfp.Status)

	// Delivery completes and bumps counters.
	delivered, err := store.RecordDelivery(ctx, assignment.AssignmentID, "0xsig")
	require.NoError(t, err)
	assert.Equal(t, marketplace.AssignmentStatusCompleted, delivered.Status)
	assert.Equal(t, "0xsig", delivered.PaymentTxSignature)

	provider, err := store.GetAgent(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.TotalTasks)

	// Rating updates the running mean; duplicates rejected.
	_, err = store.Rate(ctx, assignment.AssignmentID, "c1", "p1", 5, "good")
	require.NoError(t, err)
	_, err = store.Rate(ctx, assignment.AssignmentID, "c1", "p1", 1, "again")
	assert.ErrorIs(t, err, marketplace.ErrDuplicateRating)

	rep, err := store.GetReputation(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, rep.Mean, 1e-9)
	assert.Equal(t, 1, rep.Count)

	provider, err = store.GetAgent(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, provider.Reputation, 1e-9)
}

func TestPostgresSweep(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	consumer := pgAgent("c1")
	consumer.AgentType = marketplace.AgentTypeConsumer
	_, err := store.RegisterAgent(ctx, consumer)
	require.NoError(t, err)

	rfpID, err := store.CreateRFP(ctx, pgRFP("c1", 50*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	swept := store.Sweep(time.Now())
	assert.Contains(t, swept, rfpID)

	rfp, err := store.GetRFP(ctx, rfpID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.RFPStatusExpired, rfp.Status)

	// Expired RFPs reject bids and disappear from the open list.
	_, err = store.SubmitBid(ctx, &marketplace.Bid{RFPID: rfpID, BidderAgentID: "p1", BidPriceUSDC: "10"})
	assert.ErrorIs(t, err, marketplace.ErrRFPNotOpen)

	open, err := store.ListOpenRFPs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, open)
}
