package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/matverse/autonomy/internal/logging"
	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/telemetry"
	"github.com/rs/zerolog"
)

// EscrowAddress holds staked tokens while they back voting power.
const EscrowAddress = "gate:escrow"

// #region gate-struct

// Gate is the stake-weighted consensus checkpoint guarding high-risk
// actions. All proposal, vote and stake bookkeeping lives behind one
// mutex so tallies and the has-voted check are a single atomic step.
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	ledger Ledger
	now    func() time.Time
	log    zerolog.Logger

	stakes      map[string]uint64
	totalStaked uint64
	proposals   map[uint64]*Proposal
	votes       map[uint64]map[string]Vote
	nextID      uint64

	listeners []func(Event)
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock injects a time source. Tests use this to cross deadlines
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate backed by the given ledger.
func NewGate(cfg Config, ledger Ledger, opts ...Option) *Gate {
	g := &Gate{
		cfg:       cfg,
		ledger:    ledger,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logging.Component("governance"),
		stakes:    make(map[string]uint64),
		proposals: make(map[uint64]*Proposal),
		votes:     make(map[uint64]map[string]Vote),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Subscribe registers a listener for governance events. Listeners run
// after the lock is released, so they may call back into the gate.
func (g *Gate) Subscribe(fn func(Event)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func (g *Gate) emit(ev Event) {
	g.mu.Lock()
	listeners := make([]func(Event), len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// #endregion gate-struct

// #region stake

// Stake locks amount of addr's tokens as voting power. Internal balances
// mutate before the token transfer (checks-effects-interactions), so a
// reentrant call during the transfer observes the already-applied stake.
func (g *Gate) Stake(addr string, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if g.ledger.Balance(addr) < amount {
		return fmt.Errorf("stake %s: %w", addr, ErrInsufficientStake)
	}
	g.mu.Lock()
	g.stakes[addr] += amount
	g.totalStaked += amount
	g.mu.Unlock()

	if err := g.ledger.Transfer(addr, EscrowAddress, amount); err != nil {
		g.mu.Lock()
		g.stakes[addr] -= amount
		g.totalStaked -= amount
		g.mu.Unlock()
		return fmt.Errorf("stake transfer: %w", err)
	}

	g.emit(Event{Kind: EventStaked, Address: addr, Amount: amount, At: g.now()})
	return nil
}

// Unstake releases amount of addr's staked tokens.
func (g *Gate) Unstake(addr string, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	g.mu.Lock()
	if g.stakes[addr] < amount {
		g.mu.Unlock()
		return fmt.Errorf("unstake %s: %w", addr, ErrNoStake)
	}
	g.stakes[addr] -= amount
	g.totalStaked -= amount
	g.mu.Unlock()

	if err := g.ledger.Transfer(EscrowAddress, addr, amount); err != nil {
		g.mu.Lock()
		g.stakes[addr] += amount
		g.totalStaked += amount
		g.mu.Unlock()
		return fmt.Errorf("unstake transfer: %w", err)
	}

	g.emit(Event{Kind: EventUnstaked, Address: addr, Amount: amount, At: g.now()})
	return nil
}

// #endregion stake

// #region propose

// Propose submits an action for voting and returns the proposal id.
// IDs are monotonic and never reused.
func (g *Gate) Propose(action policy.Action, snapshot telemetry.SystemState, proposer string) (uint64, error) {
	if !action.Valid() {
		return 0, fmt.Errorf("propose: unknown action %q", action)
	}

	g.mu.Lock()
	if g.stakes[proposer] < g.cfg.MinStakeToPropose {
		g.mu.Unlock()
		return 0, fmt.Errorf("propose by %s: %w", proposer, ErrInsufficientStake)
	}
	g.nextID++
	id := g.nextID
	now := g.now()
	g.proposals[id] = &Proposal{
		ID:        id,
		Proposer:  proposer,
		Action:    action,
		Snapshot:  snapshot,
		CreatedAt: now,
		Deadline:  now.Add(g.cfg.VotingPeriod),
		Status:    StatusPending,
	}
	g.votes[id] = make(map[string]Vote)
	g.mu.Unlock()

	g.log.Info().Uint64("proposal", id).Str("action", string(action)).Str("proposer", proposer).Msg("proposal created")
	g.emit(Event{Kind: EventProposalCreated, ProposalID: id, Address: proposer, At: now})
	return id, nil
}

// #endregion propose

// #region vote

// Vote records a ballot weighted by the voter's stake at vote time.
// The live-stake weighting preserves the deployed contract's documented
// behavior; it is game-able by stake-vote-unstake sequencing, so a
// hardened deployment should snapshot voting power at proposal creation.
func (g *Gate) Vote(proposalID uint64, voter string, support bool) error {
	g.mu.Lock()
	p, ok := g.proposals[proposalID]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	if p.Status != StatusPending {
		g.mu.Unlock()
		return ErrNotPending
	}
	now := g.now()
	if !now.Before(p.Deadline) {
		g.mu.Unlock()
		return ErrVotingEnded
	}
	if _, voted := g.votes[proposalID][voter]; voted {
		g.mu.Unlock()
		return ErrAlreadyVoted
	}
	weight := g.stakes[voter]
	if weight == 0 {
		g.mu.Unlock()
		return ErrNoStake
	}
	g.votes[proposalID][voter] = Vote{Voter: voter, Weight: weight, Support: support, CastAt: now}
	if support {
		p.VotesFor += weight
	} else {
		p.VotesAgainst += weight
	}
	g.mu.Unlock()

	g.emit(Event{Kind: EventVoteCast, ProposalID: proposalID, Address: voter, Amount: weight, At: now})
	return nil
}

// #endregion vote

// #region finalize

// Finalize resolves a pending proposal at or after its deadline.
// Quorum failure expires the proposal; otherwise a strict majority of
// weighted votes approves it. The first caller wins: later calls on a
// resolved proposal are no-ops returning the existing status.
func (g *Gate) Finalize(proposalID uint64) (ProposalStatus, error) {
	g.mu.Lock()
	p, ok := g.proposals[proposalID]
	if !ok {
		g.mu.Unlock()
		return "", ErrNotFound
	}
	if p.Status != StatusPending {
		status := p.Status
		g.mu.Unlock()
		return status, nil
	}
	now := g.now()
	if now.Before(p.Deadline) {
		g.mu.Unlock()
		return StatusPending, ErrVotingOpen
	}

	quorum := g.quorumLocked()
	votesFor, votesAgainst := p.VotesFor, p.VotesAgainst

	var kind EventKind
	switch {
	case votesFor+votesAgainst < quorum:
		p.Status = StatusExpired
		kind = EventProposalExpired
	case votesFor > votesAgainst:
		p.Status = StatusApproved
		kind = EventProposalApproved
	default:
		p.Status = StatusRejected
		kind = EventProposalRejected
	}
	status := p.Status
	g.mu.Unlock()

	g.log.Info().Uint64("proposal", proposalID).Str("status", string(status)).
		Uint64("for", votesFor).Uint64("against", votesAgainst).Uint64("quorum", quorum).
		Msg("proposal finalized")
	g.emit(Event{Kind: kind, ProposalID: proposalID, At: now})
	return status, nil
}

// MarkExecuted transitions an approved proposal to Executed exactly once.
func (g *Gate) MarkExecuted(proposalID uint64) error {
	g.mu.Lock()
	p, ok := g.proposals[proposalID]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	if p.Status == StatusExecuted {
		g.mu.Unlock()
		return ErrAlreadyExecuted
	}
	if p.Status != StatusApproved {
		g.mu.Unlock()
		return ErrNotApproved
	}
	p.Status = StatusExecuted
	now := g.now()
	g.mu.Unlock()

	g.emit(Event{Kind: EventProposalExecuted, ProposalID: proposalID, At: now})
	return nil
}

// #endregion finalize

// #region readers

// GetProposal returns a copy of the proposal.
func (g *Gate) GetProposal(proposalID uint64) (Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return *p, nil
}

// IsApproved reports whether the proposal is approved and awaiting
// execution.
func (g *Gate) IsApproved(proposalID uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[proposalID]
	return ok && p.Status == StatusApproved
}

// GetVotingPower returns addr's current stake.
func (g *Gate) GetVotingPower(addr string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stakes[addr]
}

// TotalStaked returns the sum of all stakes.
func (g *Gate) TotalStaked() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalStaked
}

// GetQuorumThreshold returns totalStaked * quorumBps / 10000.
func (g *Gate) GetQuorumThreshold() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quorumLocked()
}

func (g *Gate) quorumLocked() uint64 {
	return g.totalStaked * g.cfg.QuorumBps / 10000
}

// ProposalsByStatus returns copies of proposals in the given status,
// ordered by id.
func (g *Gate) ProposalsByStatus(status ProposalStatus) []Proposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Proposal
	for id := uint64(1); id <= g.nextID; id++ {
		if p, ok := g.proposals[id]; ok && p.Status == status {
			out = append(out, *p)
		}
	}
	return out
}

// #endregion readers
