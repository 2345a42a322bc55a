package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matverse/autonomy/internal/actuator"
	"github.com/matverse/autonomy/internal/governance"
)

// #region watcher

// watchGovernance drives proposals to completion: it finalizes voting
// once deadlines pass and executes whatever was approved. Failures
// are retried on the next tick.
func (e *Engine) watchGovernance(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReconcileProposals(ctx)
		}
	}
}

// ReconcileProposals runs one pass of the governance watcher.
func (e *Engine) ReconcileProposals(ctx context.Context) {
	for _, p := range e.governor.ProposalsByStatus(governance.StatusPending) {
		status, err := e.governor.Finalize(p.ID)
		switch {
		case errors.Is(err, governance.ErrVotingOpen):
			// Deadline not reached; check again next tick.
		case err != nil:
			e.log.Error().Err(err).Uint64("proposal", p.ID).Msg("finalize failed")
		default:
			e.log.Info().Uint64("proposal", p.ID).Str("status", string(status)).
				Msg("proposal finalized")
		}
	}

	for _, p := range e.governor.ProposalsByStatus(governance.StatusApproved) {
		if err := e.executeProposal(ctx, p); err != nil {
			e.log.Error().Err(err).Uint64("proposal", p.ID).Msg("proposal execution deferred")
		}
	}
}

// executeProposal applies one approved proposal. The actuation
// request is keyed by the proposal id, so a crash between Execute and
// MarkExecuted replays the journaled result instead of re-applying.
func (e *Engine) executeProposal(ctx context.Context, p governance.Proposal) error {
	req := actuator.Request{
		ID:     fmt.Sprintf("proposal-%d", p.ID),
		Action: p.Action,
		Target: e.cfg.TargetName,
	}
	res, err := e.executor.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("execute proposal %d: %w", p.ID, err)
	}
	if !res.Success {
		e.log.Warn().Uint64("proposal", p.ID).Str("details", res.Details).
			Msg("approved action declined by actuator")
	}
	if err := e.governor.MarkExecuted(p.ID); err != nil {
		return fmt.Errorf("mark proposal %d executed: %w", p.ID, err)
	}
	e.mu.Lock()
	e.stats.ProposalsExecuted++
	e.mu.Unlock()
	e.log.Info().Uint64("proposal", p.ID).Str("action", string(p.Action)).
		Bool("success", res.Success).Msg("approved proposal executed")
	return nil
}

// #endregion watcher
