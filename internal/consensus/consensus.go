package consensus

import (
	"fmt"
	"strconv"
	"strings"

	"TradeKernel/internal/event"
	"TradeKernel/internal/kernel"
	"TradeKernel/internal/observability"
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Party is a logical signer in the multi-party sign-off gate.
type Party string

const (
	PartyBuyer     Party = "BUYER"
	PartySeller    Party = "SELLER"
	PartyProtocol  Party = "PROTOCOL"
	PartyLogistics Party = "LOGISTICS"
	PartyAI        Party = "AI"
)

var allParties = []Party{PartyBuyer, PartySeller, PartyProtocol, PartyLogistics, PartyAI}

// ParseParty converts the wire representation into a Party.
func ParseParty(s string) (Party, bool) {
	p := Party(strings.ToUpper(s))
	for _, known := range allParties {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Status is the derived consensus view for a trade.
type Status struct {
	Round            int            `json:"round"`
	Signatures       map[Party]bool `json:"signatures"`
	ConsensusReached bool           `json:"consensusReached"`
}

// Service records logical signatures from distinct parties in trade
// metadata, via no-op kernel transitions so every signature is part of the
// durable event trail.
type Service struct {
	kernel   *kernel.Kernel
	trades   *trade.Store
	required []Party

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DefaultRequiredParties is the subset used by the escrow auto-release
// automation: AI sentinel + logistics oracle + buyer.
func DefaultRequiredParties() []Party {
	return []Party{PartyAI, PartyLogistics, PartyBuyer}
}

func NewService(k *kernel.Kernel, trades *trade.Store, required []Party, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	if len(required) == 0 {
		required = DefaultRequiredParties()
	}
	return &Service{
		kernel:   k,
		trades:   trades,
		required: required,
		metrics:  metrics,
		logger:   logger,
	}
}

// RequestConsensus mints a signature token scoped to the party's role and
// records it. Re-signing by the same party in the same round is a no-op and
// returns the existing token.
func (s *Service) RequestConsensus(tradeID uuid.UUID, party Party) (string, error) {
	t, err := s.trades.Get(tradeID)
	if err != nil {
		return "", err
	}

	key := signatureKey(party)
	if existing := t.Metadata[key]; existing != "" {
		return existing, nil
	}

	token := fmt.Sprintf("%s:%s:%s", strings.ToLower(string(party)), tradeID, uuid.NewString())

	_, err = s.kernel.Annotate(tradeID, event.TypeConsensusSignature, map[string]string{
		key:     token,
		"party": string(party),
	}, string(party))
	if err != nil {
		return "", fmt.Errorf("record signature: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ConsensusSignatures.WithLabelValues(string(party)).Inc()
	}
	s.logger.Info().
		Str("trade_id", tradeID.String()).
		Str("party", string(party)).
		Msg("consensus signature recorded")

	return token, nil
}

// Revoke clears a party's signature for the current round, recorded through
// the same durable annotation path.
func (s *Service) Revoke(tradeID uuid.UUID, party Party) error {
	_, err := s.kernel.Annotate(tradeID, event.TypeConsensusSignature, map[string]string{
		signatureKey(party): "",
		"party":             string(party),
		"revoked":           "true",
	}, string(party))
	return err
}

// ResetRound advances the consensus round, invalidating all signatures.
func (s *Service) ResetRound(tradeID uuid.UUID) error {
	t, err := s.trades.Get(tradeID)
	if err != nil {
		return err
	}
	round, _ := strconv.Atoi(t.Metadata["consensus_round"])

	metadata := map[string]string{
		"consensus_round": strconv.Itoa(round + 1),
	}
	for _, p := range allParties {
		metadata[signatureKey(p)] = ""
	}

	_, err = s.kernel.Annotate(tradeID, event.TypeConsensusSignature, metadata, "kernel")
	return err
}

// CheckConsensus derives per-party sign-off and the overall reached flag
// from the configured required-party subset.
func (s *Service) CheckConsensus(tradeID uuid.UUID) (Status, error) {
	t, err := s.trades.Get(tradeID)
	if err != nil {
		return Status{}, err
	}

	round, _ := strconv.Atoi(t.Metadata["consensus_round"])
	st := Status{
		Round:      round,
		Signatures: make(map[Party]bool, len(allParties)),
	}

	for _, p := range allParties {
		st.Signatures[p] = t.Metadata[signatureKey(p)] != ""
	}

	st.ConsensusReached = true
	for _, p := range s.required {
		if !st.Signatures[p] {
			st.ConsensusReached = false
			break
		}
	}

	return st, nil
}

func signatureKey(p Party) string {
	return "sig_" + strings.ToLower(string(p))
}
