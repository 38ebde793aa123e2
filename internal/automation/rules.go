package automation

import (
	"context"
	"errors"
	"fmt"

	"TradeKernel/internal/consensus"
	"TradeKernel/internal/escrow"
	"TradeKernel/internal/event"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
)

// EscrowController is the slice of the escrow service the rules drive.
type EscrowController interface {
	ForTrade(tradeID uuid.UUID) (*escrow.Escrow, error)
	Release(ctx context.Context, escrowID uuid.UUID, reason string) (*escrow.Payment, error)
	MarkDisputed(tradeID uuid.UUID) error
}

// ConsensusChecker reports the multi-party sign-off status for a trade.
type ConsensusChecker interface {
	CheckConsensus(tradeID uuid.UUID) (consensus.Status, error)
}

// Annotator records automation-produced facts on the trade, durably.
type Annotator interface {
	Annotate(tradeID uuid.UUID, t event.Type, metadata map[string]string, triggeredBy string) (*trade.Trade, error)
}

// RegisterDefaultRules wires the standard reaction set:
//
//	QUOTE_RECEIVED      -> notify the buyer
//	STATE_TRANSITION    -> draft a contract when the trade reaches CONTRACTED
//	DELIVERED           -> request inspection when the trade demands one
//	DISPUTE_OPENED      -> freeze the escrow, notify both parties
//	CONSENSUS_SIGNATURE -> release the escrow once consensus is reached
func RegisterDefaultRules(
	d *Dispatcher,
	esc EscrowController,
	cons ConsensusChecker,
	ann Annotator,
	trades *trade.Store,
	notifier Notifier,
) {
	d.On(event.TypeQuoteReceived, Rule{
		Name: "send_notification",
		Handler: func(ctx context.Context, env event.Envelope) error {
			recipient := env.Event.Metadata["notify"]
			if recipient == "" {
				return nil
			}
			return notifier.Notify(ctx, recipient,
				"quote received",
				fmt.Sprintf("trade %s received quote %s", env.Event.TradeID, env.Event.Metadata["quote_id"]))
		},
	})

	d.On(event.TypeStateTransition, Rule{
		Name: "create_contract",
		Handler: func(ctx context.Context, env event.Envelope) error {
			if env.Event.Metadata["to_state"] != trade.StateContracted.String() {
				return nil
			}
			t, err := trades.Get(env.Event.TradeID)
			if err != nil {
				return err
			}
			if t.Metadata["contract_ref"] != "" {
				return nil
			}

			ref := "contract-" + uuid.NewString()
			_, err = ann.Annotate(t.ID, event.TypeContractCreated, map[string]string{
				"contract_ref": ref,
				"quote_id":     env.Event.Metadata["quote_id"],
			}, "automation")
			return err
		},
	})

	d.On(event.TypeDelivered, Rule{
		Name: "request_inspection",
		Handler: func(ctx context.Context, env event.Envelope) error {
			t, err := trades.Get(env.Event.TradeID)
			if err != nil {
				return err
			}
			if !t.MetadataFlag("inspection_required") || t.MetadataFlag("inspection_passed") {
				return nil
			}
			return notifier.Notify(ctx, t.BuyerID.String(),
				"inspection requested",
				fmt.Sprintf("trade %s delivered, inspection pending", t.ID))
		},
	})

	d.On(event.TypeDisputeOpened, Rule{
		Name: "freeze_escrow",
		Handler: func(ctx context.Context, env event.Envelope) error {
			err := esc.MarkDisputed(env.Event.TradeID)
			// No escrow, or nothing held yet: nothing to freeze.
			if errors.Is(err, escrow.ErrNotFound) || errors.Is(err, escrow.ErrNotFunded) {
				return nil
			}
			return err
		},
	})

	d.On(event.TypeDisputeOpened, Rule{
		Name: "send_notification",
		Handler: func(ctx context.Context, env event.Envelope) error {
			t, err := trades.Get(env.Event.TradeID)
			if err != nil {
				return err
			}
			body := fmt.Sprintf("dispute opened on trade %s", t.ID)
			if err := notifier.Notify(ctx, t.BuyerID.String(), "dispute opened", body); err != nil {
				return err
			}
			return notifier.Notify(ctx, t.SellerID.String(), "dispute opened", body)
		},
	})

	d.On(event.TypeConsensusSignature, Rule{
		Name: "release_escrow",
		Handler: func(ctx context.Context, env event.Envelope) error {
			st, err := cons.CheckConsensus(env.Event.TradeID)
			if err != nil {
				return err
			}
			if !st.ConsensusReached {
				return nil
			}

			e, err := esc.ForTrade(env.Event.TradeID)
			if err != nil {
				if errors.Is(err, escrow.ErrNotFound) {
					return nil
				}
				return err
			}
			// Already disbursed or never funded: nothing to release.
			if e.Status != escrow.StatusFunded {
				return nil
			}

			_, err = esc.Release(ctx, e.ID, "consensus reached")
			// A blocked release is not a dispatch failure: the conditions
			// are still pending, the next trigger re-evaluates.
			var blocked *escrow.ReleaseBlockedError
			if errors.As(err, &blocked) {
				return nil
			}
			return err
		},
	})
}
