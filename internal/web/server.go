// Package web exposes the engine over HTTP: rebalance trigger, allocation
// views, target updates, and the funding endpoints.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/events"
	"github.com/ebalder/folio/internal/exchange"
)

type rebalanceService interface {
	Rebalance(ctx context.Context, session domain.Session) (domain.RebalanceResult, error)
}

type allocationService interface {
	Current(ctx context.Context, owner string) (map[string]decimal.Decimal, error)
}

type targetStore interface {
	Replace(owner string, set []domain.TargetAllocation) error
	ByOwner(owner string) []domain.TargetAllocation
}

type accountStore interface {
	ByOwner(owner string) []domain.Account
}

type funder interface {
	PaymentMethods(ctx context.Context, session domain.Session) ([]domain.PaymentMethod, error)
	Deposit(ctx context.Context, session domain.Session, deposit exchange.DepositRequest) (exchange.DepositResult, error)
}

// Server serves the JSON API for one configured session.
type Server struct {
	Addr string

	session     domain.Session
	rebalancer  rebalanceService
	allocations allocationService
	targets     targetStore
	accounts    accountStore
	funder      funder
	l           *zap.Logger
}

// NewServer creates a web server bound to the configured session.
func NewServer(addr string, session domain.Session, rebalancer rebalanceService, allocations allocationService,
	targets targetStore, accounts accountStore, funder funder, l *zap.Logger) *Server {

	return &Server{
		Addr:        addr,
		session:     session,
		rebalancer:  rebalancer,
		allocations: allocations,
		targets:     targets,
		accounts:    accounts,
		funder:      funder,
		l:           l,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rebalance", s.handleRebalance)
	mux.HandleFunc("GET /rebalance/stream", s.handleRebalanceStream)
	mux.HandleFunc("GET /portfolio/allocations", s.handleAllocations)
	mux.HandleFunc("GET /portfolio/targets", s.handleGetTargets)
	mux.HandleFunc("PUT /portfolio/targets", s.handlePutTargets)
	mux.HandleFunc("GET /accounts", s.handleAccounts)
	mux.HandleFunc("GET /payment-methods", s.handlePaymentMethods)
	mux.HandleFunc("POST /deposits", s.handleDeposit)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via
// ACME. It also starts an HTTP server on port 80 to handle ACME HTTP-01
// challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	// HTTP server on port 80 for ACME challenges and HTTP->HTTPS redirects.
	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 15 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http (acme) server error", zap.Error(err))
		}
	}()

	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	result, err := s.rebalancer.Rebalance(r.Context(), s.session)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRebalanceInProgress):
			s.writeError(w, http.StatusConflict, err)
		case errors.Is(err, domain.ErrAllocationInvalid), errors.Is(err, domain.ErrNothingToRebalance):
			s.writeError(w, http.StatusUnprocessableEntity, err)
		default:
			s.l.Error("rebalance failed", zap.Error(err))
			s.writeError(w, http.StatusBadGateway, err)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleRebalanceStream pushes live rebalance progress over SSE. Only events
// for the server's configured owner are forwarded.
func (s *Server) handleRebalanceStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := events.Default.Subscribe()
	defer events.Default.Unsubscribe(sub)

	// comment heartbeat every 20s so proxies keep the connection
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case event := <-sub:
			if event.Owner != s.session.Owner {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.l.Error("failed to encode rebalance event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: rebalance\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := s.allocations.Current(r.Context(), s.session.Owner)
	if err != nil {
		if errors.Is(err, domain.ErrNothingToRebalance) {
			s.writeJSON(w, http.StatusOK, map[string]decimal.Decimal{})
			return
		}
		s.l.Error("allocation lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, allocations)
}

func (s *Server) handleGetTargets(w http.ResponseWriter, r *http.Request) {
	set := s.targets.ByOwner(s.session.Owner)

	out := make(map[string]decimal.Decimal, len(set))
	for _, target := range set {
		out[target.Currency] = target.Percentage
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutTargets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Targets map[string]decimal.Decimal `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}

	set := make([]domain.TargetAllocation, 0, len(body.Targets))
	for currency, percentage := range body.Targets {
		set = append(set, domain.TargetAllocation{
			Currency:   currency,
			Percentage: percentage,
			Owner:      s.session.Owner,
		})
	}

	if err := s.targets.Replace(s.session.Owner, set); err != nil {
		if errors.Is(err, domain.ErrAllocationInvalid) {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.l.Error("target update failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.accounts.ByOwner(s.session.Owner))
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := s.funder.PaymentMethods(r.Context(), s.session)
	if err != nil {
		s.l.Error("payment method lookup failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, http.StatusOK, methods)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount          decimal.Decimal `json:"amount"`
		Currency        string          `json:"currency"`
		PaymentMethodID string          `json:"payment_method_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	if body.Amount.LessThanOrEqual(decimal.Zero) || body.Currency == "" || body.PaymentMethodID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("amount, currency and payment_method_id are required"))
		return
	}

	result, err := s.funder.Deposit(r.Context(), s.session, exchange.DepositRequest{
		Amount:          body.Amount,
		Currency:        body.Currency,
		PaymentMethodID: body.PaymentMethodID,
	})
	if err != nil {
		s.l.Error("deposit failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.l.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"message": err.Error()})
}
