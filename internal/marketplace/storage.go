package marketplace

import (
	"context"
	"time"
)

// Storage is the operation set the registry API needs from a marketplace
// store. The in-memory Store is the default backend; PostgresStore persists
// the same semantics when a database is configured.
type Storage interface {
	RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error)
	UnregisterAgent(ctx context.Context, agentID string) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	Subscribe(ctx context.Context, agentID, taskType string) error
	Unsubscribe(ctx context.Context, agentID, taskType string) error

	CreateRFP(ctx context.Context, rfp *RFP) (string, error)
	GetRFP(ctx context.Context, rfpID string) (*RFP, error)
	ListOpenRFPs(ctx context.Context, forTaskTypes []string) ([]*RFP, error)
	CancelRFP(ctx context.Context, rfpID, callerAgentID string) error

	SubmitBid(ctx context.Context, bid *Bid) (*Bid, error)
	ListBids(ctx context.Context, rfpID string) ([]*Bid, error)

	SelectWinner(ctx context.Context, rfpID, bidID, selectorAgentID string) (*Assignment, error)
	GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error)
	RecordDelivery(ctx context.Context, assignmentID, txSignature string) (*Assignment, error)

	Rate(ctx context.Context, assignmentID, raterAgentID, ratedAgentID string, stars int, reviewText string) (*Rating, error)
	GetReputation(ctx context.Context, agentID string) (*ReputationSummary, error)

	// Sweep expires stale RFPs as of now and returns the swept ids.
	Sweep(now time.Time) []string
}

var _ Storage = (*Store)(nil)
