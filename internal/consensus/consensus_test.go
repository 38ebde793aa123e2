package consensus_test

import (
	"testing"

	"TradeKernel/internal/consensus"
	"TradeKernel/internal/kernel"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type nilEscrow struct{}

func (nilEscrow) FundingStatus(uuid.UUID) (int64, bool) { return 0, false }
func (nilEscrow) Released(uuid.UUID) bool               { return false }
func (nilEscrow) EnsureCreated(*trade.Trade) error      { return nil }

type nilQuotes struct{}

func (nilQuotes) HasOpenQuote(uuid.UUID) bool          { return false }
func (nilQuotes) CanAccept(uuid.UUID, uuid.UUID) error { return nil }
func (nilQuotes) Accept(uuid.UUID, uuid.UUID) error    { return nil }

type nilShipping struct{}

func (nilShipping) LatestCategory(uuid.UUID) (string, bool) { return "", false }

func setup(t *testing.T) (*consensus.Service, *trade.Store, *trade.Trade) {
	t.Helper()

	store := trade.NewStore()
	log := ledger.NewLog(nil)
	k := kernel.New(store, log, nilEscrow{}, nilQuotes{}, nilShipping{}, nil, zerolog.Nop())

	tr, err := k.CreateTrade(&trade.Trade{
		BuyerID:  uuid.New(),
		SellerID: uuid.New(),
		Amount:   50_000,
		Currency: "USD",
		Metadata: map[string]string{},
	})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	svc := consensus.NewService(k, store, nil, nil, zerolog.Nop())
	return svc, store, tr
}

// ============================================================================
// Test: ParseParty
// ============================================================================

func TestParseParty(t *testing.T) {
	if p, ok := consensus.ParseParty("buyer"); !ok || p != consensus.PartyBuyer {
		t.Errorf("ParseParty(buyer) = %v, %v", p, ok)
	}
	if p, ok := consensus.ParseParty("AI"); !ok || p != consensus.PartyAI {
		t.Errorf("ParseParty(AI) = %v, %v", p, ok)
	}
	if _, ok := consensus.ParseParty("auditor"); ok {
		t.Error("unknown party should not parse")
	}
}

// ============================================================================
// Test: Signatures
// ============================================================================

func TestRequestConsensus_RecordsSignature(t *testing.T) {
	svc, store, tr := setup(t)

	token, err := svc.RequestConsensus(tr.ID, consensus.PartyBuyer)
	if err != nil {
		t.Fatalf("RequestConsensus: %v", err)
	}
	if token == "" {
		t.Fatal("token should be non-empty")
	}

	got, _ := store.Get(tr.ID)
	if got.Metadata["sig_buyer"] != token {
		t.Error("signature token not recorded in trade metadata")
	}

	st, err := svc.CheckConsensus(tr.ID)
	if err != nil {
		t.Fatalf("CheckConsensus: %v", err)
	}
	if !st.Signatures[consensus.PartyBuyer] {
		t.Error("buyer signature not reflected in status")
	}
}

func TestRequestConsensus_ResignIsIdempotent(t *testing.T) {
	svc, store, tr := setup(t)

	first, _ := svc.RequestConsensus(tr.ID, consensus.PartyAI)
	seqAfterFirst, _ := store.Get(tr.ID)

	second, err := svc.RequestConsensus(tr.ID, consensus.PartyAI)
	if err != nil {
		t.Fatalf("RequestConsensus: %v", err)
	}
	if first != second {
		t.Error("re-signing should return the existing token")
	}

	cur, _ := store.Get(tr.ID)
	if cur.Sequence != seqAfterFirst.Sequence {
		t.Error("re-signing should not record another annotation")
	}
}

func TestCheckConsensus_DefaultRequiredParties(t *testing.T) {
	svc, _, tr := setup(t)

	// Default gate is AI + LOGISTICS + BUYER
	svc.RequestConsensus(tr.ID, consensus.PartyAI)
	svc.RequestConsensus(tr.ID, consensus.PartyLogistics)

	st, _ := svc.CheckConsensus(tr.ID)
	if st.ConsensusReached {
		t.Fatal("two of three signatures should not reach consensus")
	}

	// The seller is not part of the required subset
	svc.RequestConsensus(tr.ID, consensus.PartySeller)
	st, _ = svc.CheckConsensus(tr.ID)
	if st.ConsensusReached {
		t.Fatal("seller signature should not substitute for the buyer's")
	}

	svc.RequestConsensus(tr.ID, consensus.PartyBuyer)
	st, _ = svc.CheckConsensus(tr.ID)
	if !st.ConsensusReached {
		t.Fatal("all required parties signed, consensus should be reached")
	}
}

func TestRevoke_ClearsSignature(t *testing.T) {
	svc, _, tr := setup(t)

	svc.RequestConsensus(tr.ID, consensus.PartyAI)
	svc.RequestConsensus(tr.ID, consensus.PartyLogistics)
	svc.RequestConsensus(tr.ID, consensus.PartyBuyer)

	if err := svc.Revoke(tr.ID, consensus.PartyBuyer); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	st, _ := svc.CheckConsensus(tr.ID)
	if st.Signatures[consensus.PartyBuyer] {
		t.Error("revoked signature should read as unsigned")
	}
	if st.ConsensusReached {
		t.Error("consensus should drop when a required signature is revoked")
	}
}

func TestResetRound_InvalidatesAllSignatures(t *testing.T) {
	svc, _, tr := setup(t)

	svc.RequestConsensus(tr.ID, consensus.PartyAI)
	svc.RequestConsensus(tr.ID, consensus.PartyLogistics)
	svc.RequestConsensus(tr.ID, consensus.PartyBuyer)

	if err := svc.ResetRound(tr.ID); err != nil {
		t.Fatalf("ResetRound: %v", err)
	}

	st, _ := svc.CheckConsensus(tr.ID)
	if st.Round != 1 {
		t.Errorf("round = %d, want 1", st.Round)
	}
	for party, signed := range st.Signatures {
		if signed {
			t.Errorf("party %s still signed after round reset", party)
		}
	}
	if st.ConsensusReached {
		t.Error("consensus should not survive a round reset")
	}

	// A fresh signature in the new round mints a new token
	token, err := svc.RequestConsensus(tr.ID, consensus.PartyAI)
	if err != nil || token == "" {
		t.Fatalf("signing in new round: token=%q err=%v", token, err)
	}
}
