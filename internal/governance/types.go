package governance

import (
	"errors"
	"time"

	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/telemetry"
)

// #region status

// ProposalStatus is the lifecycle state of a proposal.
// Pending → {Approved, Rejected, Expired}; Approved → Executed.
// A proposal leaves Pending exactly once, at or after its deadline.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
	StatusExecuted ProposalStatus = "executed"
	StatusExpired  ProposalStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ProposalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusExpired
}

// #endregion status

// #region proposal

// Proposal is one action awaiting stake-weighted approval.
type Proposal struct {
	ID           uint64
	Proposer     string
	Action       policy.Action
	Snapshot     telemetry.SystemState
	VotesFor     uint64
	VotesAgainst uint64
	CreatedAt    time.Time
	Deadline     time.Time
	Status       ProposalStatus
}

// Vote is one voter's recorded ballot. At most one exists per
// (proposal, voter) pair.
type Vote struct {
	Voter   string
	Weight  uint64
	Support bool
	CastAt  time.Time
}

// #endregion proposal

// #region events

// EventKind labels a governance state change.
type EventKind string

const (
	EventProposalCreated  EventKind = "proposal_created"
	EventVoteCast         EventKind = "vote_cast"
	EventProposalApproved EventKind = "proposal_approved"
	EventProposalRejected EventKind = "proposal_rejected"
	EventProposalExpired  EventKind = "proposal_expired"
	EventProposalExecuted EventKind = "proposal_executed"
	EventStaked           EventKind = "staked"
	EventUnstaked         EventKind = "unstaked"
)

// Event is emitted after every state-changing gate operation.
type Event struct {
	Kind       EventKind
	ProposalID uint64 // zero for stake events
	Address    string
	Amount     uint64 // stake amount or vote weight
	At         time.Time
}

// #endregion events

// #region errors

var (
	ErrNotFound          = errors.New("governance: proposal not found")
	ErrNotPending        = errors.New("governance: proposal not pending")
	ErrVotingEnded       = errors.New("governance: voting period ended")
	ErrVotingOpen        = errors.New("governance: voting period still open")
	ErrAlreadyVoted      = errors.New("governance: voter already voted")
	ErrNoStake           = errors.New("governance: voter has no stake")
	ErrInsufficientStake = errors.New("governance: stake below proposal minimum")
	ErrAlreadyExecuted   = errors.New("governance: proposal already executed")
	ErrNotApproved       = errors.New("governance: proposal not approved")
	ErrZeroAmount        = errors.New("governance: amount must be positive")
)

// #endregion errors

// #region config

// Config holds gate parameters.
type Config struct {
	// MinStakeToPropose is the stake a proposer must hold.
	MinStakeToPropose uint64
	// QuorumBps is the quorum as basis points of total staked (0-10000).
	QuorumBps uint64
	// VotingPeriod is how long a proposal accepts votes.
	VotingPeriod time.Duration
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		MinStakeToPropose: 100,
		QuorumBps:         6700,
		VotingPeriod:      2 * time.Minute,
	}
}

// #endregion config
