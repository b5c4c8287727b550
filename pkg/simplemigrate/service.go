package simplemigrate

import (
	"context"
)

// Service defines the main interface for the simple-migrate library
type Service interface {
	// Plan enumerates the catalog (or the configured single identifier) and
	// builds the chains without touching the destination.
	Plan(ctx context.Context) (*Plan, error)

	// Run plans and replays every chain. Per-chain failures are reported in
	// the result; only a catalog failure returns an error.
	Run(ctx context.Context) (*RunReport, error)

	// ReplayIdentifier replays exactly one identifier as a one-element chain,
	// ignoring the catalog. Used for targeted repair.
	ReplayIdentifier(ctx context.Context, raw string) (*RunReport, error)
}

// Plan is the result of catalog enumeration and lineage building.
type Plan struct {
	Chains Chains
	// Accepted is the number of identifiers taken into chains
	Accepted int
	// Malformed holds one MalformedIdentifier error per rejected identifier
	Malformed []error
}

// RunReport summarises a run. Run mirrors the ledger row.
type RunReport struct {
	Run      *Run
	Outcomes []*ReplayOutcome
}

// Failed returns the outcomes of aborted chains.
func (r *RunReport) Failed() []*ReplayOutcome {
	var failed []*ReplayOutcome
	for _, o := range r.Outcomes {
		if !o.Complete() {
			failed = append(failed, o)
		}
	}
	return failed
}
