package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"TradeKernel/internal/consensus"
	"TradeKernel/internal/escrow"
	"TradeKernel/internal/kernel"
	"TradeKernel/internal/logistics"
	"TradeKernel/internal/quote"
	"TradeKernel/internal/trade"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// --- Trades ---

type createTradeRequest struct {
	BuyerID  string            `json:"buyerId"`
	SellerID string            `json:"sellerId"`
	Quantity int64             `json:"quantity"`
	Unit     string            `json:"unit"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type tradeView struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Sequence   int64             `json:"sequence"`
	BuyerID    string            `json:"buyerId"`
	SellerID   string            `json:"sellerId"`
	Quantity   int64             `json:"quantity"`
	Unit       string            `json:"unit"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	TrustScore string            `json:"trustScore,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func viewOf(t *trade.Trade) tradeView {
	return tradeView{
		ID:         t.ID.String(),
		State:      t.State.String(),
		Sequence:   t.Sequence,
		BuyerID:    t.BuyerID.String(),
		SellerID:   t.SellerID.String(),
		Quantity:   t.Quantity,
		Unit:       t.Unit,
		Amount:     t.Amount,
		Currency:   t.Currency,
		TrustScore: t.Metadata["trust_score"],
		Metadata:   t.Metadata,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func (s *Server) createTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	buyer, err := uuid.Parse(req.BuyerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "buyerId is not a UUID")
		return
	}
	seller, err := uuid.Parse(req.SellerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "sellerId is not a UUID")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "amount must be positive")
		return
	}

	created, err := s.kernel.CreateTrade(&trade.Trade{
		BuyerID:  buyer,
		SellerID: seller,
		Quantity: req.Quantity,
		Unit:     req.Unit,
		Amount:   req.Amount,
		Currency: req.Currency,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "tradeID")
	if !ok {
		return
	}

	t, err := s.trades.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

type transitionRequest struct {
	NextState        string            `json:"nextState"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ExpectedSequence *int64            `json:"expectedSequence,omitempty"`
	TriggeredBy      string            `json:"triggeredBy,omitempty"`
	DryRun           bool              `json:"dryRun,omitempty"`
}

type transitionResponse struct {
	Success         bool       `json:"success"`
	Decision        string     `json:"decision"`
	ReasonCode      string     `json:"reasonCode,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	RequiredActions []string   `json:"requiredActions,omitempty"`
	ResultingState  string     `json:"resultingState,omitempty"`
	Trade           *tradeView `json:"trade,omitempty"`
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "tradeID")
	if !ok {
		return
	}

	var req transitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	next, _ := trade.ParseState(req.NextState)
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	kreq := kernel.Request{
		TradeID:          id,
		NextState:        next,
		Metadata:         req.Metadata,
		ExpectedSequence: req.ExpectedSequence,
		TriggeredBy:      triggeredBy,
	}

	var res kernel.Result
	if req.DryRun {
		res = s.kernel.DryRun(r.Context(), kreq)
	} else {
		res = s.kernel.Transition(r.Context(), kreq)
	}

	body := transitionResponse{
		Success:         res.Success,
		Decision:        res.Decision.String(),
		ReasonCode:      string(res.ReasonCode),
		Reason:          res.Reason,
		RequiredActions: res.RequiredActions,
	}
	if res.Trade != nil {
		v := viewOf(res.Trade)
		body.Trade = &v
	}
	if res.Success {
		body.ResultingState = res.ResultingState.String()
	}

	writeJSON(w, decisionStatus(res), body)
}

func decisionStatus(res kernel.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Decision {
	case kernel.DecisionConflict:
		return http.StatusConflict
	default:
		if res.ReasonCode == kernel.ReasonTradeNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	}
}

type eventView struct {
	Sequence       int64             `json:"sequence"`
	IdempotencyKey string            `json:"idempotencyKey"`
	TradeID        string            `json:"tradeId"`
	EventType      string            `json:"eventType"`
	TriggeredBy    string            `json:"triggeredBy"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IntegrityHash  string            `json:"integrityHash"`
	PrevHash       string            `json:"prevHash"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func (s *Server) tradeEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "tradeID")
	if !ok {
		return
	}
	if _, err := s.trades.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
		return
	}

	envs := s.log.EventsForTrade(id)
	views := make([]eventView, 0, len(envs))
	for _, env := range envs {
		views = append(views, eventView{
			Sequence:       env.Sequence,
			IdempotencyKey: env.IdempotencyKey,
			TradeID:        env.Event.TradeID.String(),
			EventType:      env.Event.Type.String(),
			TriggeredBy:    env.Event.TriggeredBy,
			Metadata:       env.Event.Metadata,
			IntegrityHash:  hex.EncodeToString(env.IntegrityHash[:]),
			PrevHash:       hex.EncodeToString(env.PrevHash[:]),
			CreatedAt:      env.Event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Quotes ---

type submitQuoteRequest struct {
	TradeID          string   `json:"tradeId"`
	SupplierID       string   `json:"supplierId"`
	UnitPrice        int64    `json:"unitPrice"`
	TotalPrice       int64    `json:"totalPrice"`
	Currency         string   `json:"currency"`
	LeadTimeDays     int      `json:"leadTimeDays"`
	Incoterms        string   `json:"incoterms,omitempty"`
	DeliveryLocation string   `json:"deliveryLocation,omitempty"`
	PaymentTerms     string   `json:"paymentTerms,omitempty"`
	Certificates     []string `json:"certificates,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

type quoteView struct {
	ID           string    `json:"id"`
	TradeID      string    `json:"tradeId"`
	SupplierID   string    `json:"supplierId"`
	UnitPrice    int64     `json:"unitPrice"`
	TotalPrice   int64     `json:"totalPrice"`
	Currency     string    `json:"currency"`
	LeadTimeDays int       `json:"leadTimeDays"`
	Status       string    `json:"status"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

func quoteViewOf(q *quote.Quote) quoteView {
	return quoteView{
		ID:           q.ID.String(),
		TradeID:      q.TradeID.String(),
		SupplierID:   q.SupplierID.String(),
		UnitPrice:    q.UnitPrice,
		TotalPrice:   q.TotalPrice,
		Currency:     q.Currency,
		LeadTimeDays: q.LeadTimeDays,
		Status:       q.Status.String(),
		SubmittedAt:  q.SubmittedAt,
	}
}

func (s *Server) submitQuote(w http.ResponseWriter, r *http.Request) {
	var req submitQuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	tradeID, err := uuid.Parse(req.TradeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "tradeId is not a UUID")
		return
	}
	supplierID, err := uuid.Parse(req.SupplierID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "supplierId is not a UUID")
		return
	}

	q, err := s.quotes.Submit(&quote.Quote{
		TradeID:          tradeID,
		SupplierID:       supplierID,
		UnitPrice:        req.UnitPrice,
		TotalPrice:       req.TotalPrice,
		Currency:         req.Currency,
		LeadTimeDays:     req.LeadTimeDays,
		Incoterms:        req.Incoterms,
		DeliveryLocation: req.DeliveryLocation,
		PaymentTerms:     req.PaymentTerms,
		Certificates:     req.Certificates,
		Notes:            req.Notes,
	})
	if err != nil {
		switch {
		case errors.Is(err, quote.ErrAlreadyQuoted):
			writeError(w, http.StatusConflict, "ALREADY_QUOTED", err.Error())
		case errors.Is(err, quote.ErrInvalidPrice):
			writeError(w, http.StatusBadRequest, "INVALID_PRICE", err.Error())
		case errors.Is(err, quote.ErrRFQNotOpen):
			writeError(w, http.StatusUnprocessableEntity, "RFQ_NOT_OPEN", err.Error())
		case errors.Is(err, quote.ErrNotFound):
			writeError(w, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, quoteViewOf(q))
}

func (s *Server) tradeQuotes(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "tradeID")
	if !ok {
		return
	}

	quotes := s.quotes.ForTrade(id)
	views := make([]quoteView, 0, len(quotes))
	for _, q := range quotes {
		views = append(views, quoteViewOf(q))
	}
	writeJSON(w, http.StatusOK, views)
}

type withdrawQuoteRequest struct {
	SupplierID string `json:"supplierId"`
}

func (s *Server) withdrawQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "quoteID")
	if !ok {
		return
	}

	var req withdrawQuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	supplierID, err := uuid.Parse(req.SupplierID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "supplierId is not a UUID")
		return
	}

	if err := s.quotes.Withdraw(id, supplierID); err != nil {
		if errors.Is(err, quote.ErrNotFound) {
			writeError(w, http.StatusNotFound, "QUOTE_NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "WITHDRAW_REJECTED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Escrow ---

type escrowView struct {
	ID                 string    `json:"id"`
	TradeID            string    `json:"tradeId"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	Balance            int64     `json:"balance"`
	Status             string    `json:"status"`
	Version            int64     `json:"version"`
	ExternalPaymentRef string    `json:"externalPaymentRef,omitempty"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

func escrowViewOf(e *escrow.Escrow) escrowView {
	return escrowView{
		ID:                 e.ID.String(),
		TradeID:            e.TradeID.String(),
		Amount:             e.Amount,
		Currency:           e.Currency,
		Balance:            e.Balance,
		Status:             e.Status.String(),
		Version:            e.Version,
		ExternalPaymentRef: e.ExternalPaymentRef,
		ExpiresAt:          e.ExpiresAt,
	}
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "escrowID")
	if !ok {
		return
	}

	e, err := s.escrows.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "ESCROW_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, escrowViewOf(e))
}

func (s *Server) paymentIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "escrowID")
	if !ok {
		return
	}

	intent, err := s.escrows.InitiatePayment(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type fundEscrowRequest struct {
	ExternalPaymentRef string `json:"externalPaymentRef"`
}

func (s *Server) fundEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "escrowID")
	if !ok {
		return
	}

	var req fundEscrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	if req.ExternalPaymentRef == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "externalPaymentRef is required")
		return
	}

	e, err := s.escrows.Fund(id, req.ExternalPaymentRef)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowViewOf(e))
}

type disburseRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "escrowID")
	if !ok {
		return
	}

	var req disburseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	payment, err := s.escrows.Release(r.Context(), id, req.Reason)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) refundEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "escrowID")
	if !ok {
		return
	}

	var req disburseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	refund, err := s.escrows.Refund(r.Context(), id, req.Reason)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (s *Server) writeEscrowError(w http.ResponseWriter, err error) {
	var blocked *escrow.ReleaseBlockedError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, "ESCROW_NOT_FOUND", err.Error())
	case errors.Is(err, escrow.ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &blocked):
		writeError(w, http.StatusUnprocessableEntity, "RELEASE_BLOCKED", blocked.Condition)
	case errors.Is(err, escrow.ErrNotPending), errors.Is(err, escrow.ErrNotFunded):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_STATUS", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "ADAPTER_FAILURE", err.Error())
	}
}

// --- Logistics ---

type createShipmentRequest struct {
	TradeID           string    `json:"tradeId"`
	TrackingRef       string    `json:"trackingRef"`
	Carrier           string    `json:"carrier"`
	EstimatedPickup   time.Time `json:"estimatedPickup,omitempty"`
	EstimatedDelivery time.Time `json:"estimatedDelivery,omitempty"`
}

func (s *Server) createShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	tradeID, err := uuid.Parse(req.TradeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "tradeId is not a UUID")
		return
	}
	if _, err := s.trades.Get(tradeID); err != nil {
		writeError(w, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
		return
	}

	sh, err := s.shipping.CreateShipment(tradeID, req.TrackingRef, req.Carrier, req.EstimatedPickup, req.EstimatedDelivery)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "SHIPMENT_REJECTED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

func (s *Server) getShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "shipmentID")
	if !ok {
		return
	}

	sh, err := s.shipping.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "SHIPMENT_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

type addMilestoneRequest struct {
	Name       string    `json:"name"`
	Location   string    `json:"location,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	Notes      string    `json:"notes,omitempty"`
}

func (s *Server) addMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "shipmentID")
	if !ok {
		return
	}

	var req addMilestoneRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	if req.Name == "" || req.OccurredAt.IsZero() {
		writeError(w, http.StatusBadRequest, "VALIDATION", "name and occurredAt are required")
		return
	}

	sh, err := s.shipping.AddMilestone(id, req.Name, req.Location, req.OccurredAt, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, logistics.ErrNotFound):
			writeError(w, http.StatusNotFound, "SHIPMENT_NOT_FOUND", err.Error())
		case errors.Is(err, logistics.ErrTimestampRegression):
			writeError(w, http.StatusUnprocessableEntity, "TIMESTAMP_REGRESSION", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

type bulkMilestonesRequest struct {
	Updates []logistics.CarrierUpdate `json:"updates"`
}

func (s *Server) bulkMilestones(w http.ResponseWriter, r *http.Request) {
	var req bulkMilestonesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	results := s.shipping.IngestBatch(req.Updates)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// --- Consensus ---

type signConsensusRequest struct {
	Party string `json:"party"`
}

func (s *Server) signConsensus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "tradeID")
	if !ok {
		return
	}

	var req signConsensusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	party, ok := consensus.ParseParty(req.Party)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION", "party must be one of BUYER, SELLER, PROTOCOL, LOGISTICS, AI")
		return
	}

	token, err := s.consensus.RequestConsensus(id, party)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			writeError(w, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "SIGNATURE_REJECTED", err.Error())
		return
	}

	st, err := s.consensus.CheckConsensus(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":  token,
		"status": st,
	})
}

func (s *Server) checkConsensus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "tradeID")
	if !ok {
		return
	}

	st, err := s.consensus.CheckConsensus(id)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			writeError(w, http.StatusNotFound, "TRADE_NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Admin ---

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_DATABASE", "event log database is not configured")
		return
	}

	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	if s.dispatch == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.dispatch.DeadLetters())
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", param+" is not a UUID")
		return uuid.Nil, false
	}
	return id, true
}
