package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
)

// Gate is the admission-control policy: a stateless decision layer that
// asks the ledger whether the requesting target has credit left before a
// task may be created. Rejection is silent at the pipeline level; the
// message router decides whether to notify the sender.
type Gate struct {
	ledger *ledger.Ledger
	log    zerolog.Logger
}

// NewGate builds the admission gate over the ledger.
func NewGate(l *ledger.Ledger, log zerolog.Logger) *Gate {
	return &Gate{ledger: l, log: log.With().Str("component", "gate").Logger()}
}

// Admit reports whether the target has at least one credit. The holder row
// is created with the default balance on first reference, so a brand-new
// recipient is admitted as long as the default credit is positive. A ledger
// failure is returned as an error and admits nothing.
func (g *Gate) Admit(ctx context.Context, target domain.CreditTarget) (bool, error) {
	ok, err := g.ledger.HasCredit(ctx, target, 1)
	if err != nil {
		return false, err
	}
	if !ok {
		g.log.Info().Str("target", target.String()).Msg("admission rejected: insufficient credit")
		tasksRejected.WithLabelValues("no_credit").Inc()
	}
	return ok, nil
}
