package contracthost

import "github.com/l2indexer/node/pkg/nodeerrors"

// gasMeter tracks a transaction's gas budget across its whole call tree;
// gas spent in a reverted frame is still charged to the caller (§4.6).
type gasMeter struct {
	remaining int64
}

// newGasMeter converts a transaction's burned fee to a gas budget via
// SAT_TO_GAS, capped at GAS_LIMIT_PER_TX.
func newGasMeter(burnedFeeSat int64, satToGas int64, limit int64) *gasMeter {
	budget := burnedFeeSat * satToGas
	if budget > limit {
		budget = limit
	}
	return &gasMeter{remaining: budget}
}

// charge subtracts amount and returns ErrOutOfGas once the budget goes
// negative, per §4.6's Gas callback contract.
func (g *gasMeter) charge(amount int64) error {
	g.remaining -= amount
	if g.remaining < 0 {
		return nodeerrors.ErrOutOfGas
	}
	return nil
}

func (g *gasMeter) used(limit int64) int64 {
	spent := limit - g.remaining
	if spent < 0 {
		return 0
	}
	if spent > limit {
		return limit
	}
	return spent
}
