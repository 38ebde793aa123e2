package server

import (
	"encoding/json"
	"net/http"
	"time"

	"TradeKernel/internal/automation"
	"TradeKernel/internal/consensus"
	"TradeKernel/internal/escrow"
	"TradeKernel/internal/kernel"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/logistics"
	"TradeKernel/internal/observability"
	"TradeKernel/internal/query"
	"TradeKernel/internal/quote"
	"TradeKernel/internal/trade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server is the HTTP/JSON API surface in front of the kernel and its
// subsystems.
type Server struct {
	kernel    *kernel.Kernel
	trades    *trade.Store
	quotes    *quote.Service
	escrows   *escrow.Service
	shipping  *logistics.Tracker
	consensus *consensus.Service
	log       *ledger.Log
	queries   *query.Service
	dispatch  *automation.Dispatcher

	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(
	k *kernel.Kernel,
	trades *trade.Store,
	quotes *quote.Service,
	escrows *escrow.Service,
	shipping *logistics.Tracker,
	cons *consensus.Service,
	log *ledger.Log,
	queries *query.Service,
	dispatch *automation.Dispatcher,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		kernel:    k,
		trades:    trades,
		quotes:    quotes,
		escrows:   escrows,
		shipping:  shipping,
		consensus: cons,
		log:       log,
		queries:   queries,
		dispatch:  dispatch,
		health:    health,
		metrics:   metrics,
		logger:    logger,
	}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/trades", s.createTrade)
		r.Get("/trades/{tradeID}", s.getTrade)
		r.Post("/trades/{tradeID}/transition", s.transition)
		r.Get("/trades/{tradeID}/events", s.tradeEvents)
		r.Post("/trades/{tradeID}/consensus", s.signConsensus)
		r.Get("/trades/{tradeID}/consensus", s.checkConsensus)

		r.Post("/quotes", s.submitQuote)
		r.Get("/trades/{tradeID}/quotes", s.tradeQuotes)
		r.Post("/quotes/{quoteID}/withdraw", s.withdrawQuote)

		r.Get("/escrows/{escrowID}", s.getEscrow)
		r.Post("/escrows/{escrowID}/intent", s.paymentIntent)
		r.Post("/escrows/{escrowID}/fund", s.fundEscrow)
		r.Post("/escrows/{escrowID}/release", s.releaseEscrow)
		r.Post("/escrows/{escrowID}/refund", s.refundEscrow)

		r.Post("/shipments", s.createShipment)
		r.Get("/shipments/{shipmentID}", s.getShipment)
		r.Post("/shipments/{shipmentID}/milestones", s.addMilestone)
		r.Post("/milestones/bulk", s.bulkMilestones)

		r.Get("/integrity", s.verifyIntegrity)
		r.Get("/automation/dead-letters", s.deadLetters)
	})

	return r
}

// observe is the request logging and metrics middleware.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}

		if s.metrics != nil {
			s.metrics.APIRequests.WithLabelValues(route, http.StatusText(ww.Status())).Inc()
			s.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Code: code, Detail: detail})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
