package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"investchain/crypto"
	"investchain/native/escrow"
	"investchain/native/sale"
	"investchain/observability/metrics"
	"investchain/services/deal-gateway/audit"
	"investchain/services/deal-gateway/auth"
	gwmw "investchain/services/deal-gateway/middleware"
	"investchain/services/deal-gateway/models"
)

// EscrowEngine is the escrow surface the gateway drives.
type EscrowEngine interface {
	Get(id [32]byte) (*escrow.Escrow, error)
	CanRefund(id [32]byte) bool
	ApproveAndExecute(id [32]byte, caller [20]byte) error
	PartialApproveAndExecute(id [32]byte, caller [20]byte, approved *big.Int) error
	RejectAndRefund(id [32]byte, caller [20]byte, reason string) error
	Refund(id [32]byte) error
	EmergencyWithdraw(id [32]byte, caller [20]byte) error
}

// SaleEngine is the sale surface the gateway drives.
type SaleEngine interface {
	Get(id [32]byte) (*sale.Sale, error)
	Status(id [32]byte) (sale.Status, error)
	PurchaseOf(id [32]byte, addr [20]byte) (*big.Int, error)
	LockedBalanceOf(id [32]byte, addr [20]byte) (*big.Int, error)
	PaidAmountOf(id [32]byte, addr [20]byte, currency string) (*big.Int, error)
	Pause(id [32]byte, caller [20]byte) error
	Resume(id [32]byte, caller [20]byte) error
	Sweep(id [32]byte, caller [20]byte, currency string) error
	SetLockupReached(id [32]byte, caller [20]byte, force bool) error
	WhitelistUsers(id [32]byte, caller [20]byte, addrs [][20]byte, allowed bool) error
	WhitelistCurrencies(id [32]byte, caller [20]byte, currencies []string, allowed bool) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Escrow        EscrowEngine
	Sale          SaleEngine
	Verifier      *auth.Verifier
	Audit         *audit.Recorder
	Relay         *Relay
	RateLimiter   *gwmw.RateLimiter
	Idempotency   *gwmw.Idempotency
	Observability *gwmw.Observability
	Logger        *slog.Logger
}

// Server exposes the reporting and administration API over the engines.
type Server struct {
	db      *gorm.DB
	escrow  EscrowEngine
	sales   SaleEngine
	auditor *audit.Recorder
	relay   *Relay
	logger  *slog.Logger
	metrics *metrics.EngineMetrics

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// and rate limiting applied.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: database required")
	}
	if cfg.Escrow == nil || cfg.Sale == nil {
		return nil, errors.New("server: engines required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:      cfg.DB,
		escrow:  cfg.Escrow,
		sales:   cfg.Sale,
		auditor: cfg.Audit,
		relay:   cfg.Relay,
		logger:  logger,
		metrics: metrics.Engine(),
	}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func passthrough(next http.Handler) http.Handler { return next }

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	observe := func(route string) func(http.Handler) http.Handler {
		if cfg.Observability == nil {
			return passthrough
		}
		return cfg.Observability.Middleware(route)
	}
	limit := func(group string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return passthrough
		}
		return cfg.RateLimiter.Middleware(group)
	}
	idem := passthrough
	if cfg.Idempotency != nil {
		idem = cfg.Idempotency.Middleware
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if cfg.Observability != nil {
		r.Handle("/metrics/http", cfg.Observability.MetricsHandler())
	}
	r.Get("/ws/events", s.handleEventStream)

	r.Route("/v1", func(r chi.Router) {
		r.Use(cfg.Verifier.Middleware)
		r.Use(limit("api"))

		r.With(observe("deals.list")).Get("/deals", s.handleListDeals)
		r.With(observe("deals.get")).Get("/deals/{id}", s.handleGetDeal)
		r.With(observe("escrows.get")).Get("/escrows/{id}", s.handleGetEscrow)
		r.With(observe("sales.get")).Get("/sales/{id}", s.handleGetSale)
		r.With(observe("sales.account")).Get("/sales/{id}/accounts/{address}", s.handleSaleAccount)

		r.Group(func(r chi.Router) {
			r.Use(limit("admin"))
			r.Use(idem)

			review := auth.RequireRole(auth.RoleDealAdmin, auth.RoleCompliance)
			operate := auth.RequireRole(auth.RoleOperator)
			anyone := auth.RequireRole(auth.RoleInvestor, auth.RoleDealAdmin, auth.RoleCompliance, auth.RoleOperator)

			r.With(observe("escrows.approve"), review).Post("/escrows/{id}/approve", s.handleApproveEscrow)
			r.With(observe("escrows.reject"), review).Post("/escrows/{id}/reject", s.handleRejectEscrow)
			r.With(observe("escrows.refund"), anyone).Post("/escrows/{id}/refund", s.handleRefundEscrow)
			r.With(observe("escrows.emergency"), operate).Post("/escrows/{id}/emergency-withdraw", s.handleEmergencyWithdraw)

			r.With(observe("sales.pause"), review).Post("/sales/{id}/pause", s.handleSalePause)
			r.With(observe("sales.resume"), review).Post("/sales/{id}/resume", s.handleSaleResume)
			r.With(observe("sales.sweep"), operate).Post("/sales/{id}/sweep", s.handleSaleSweep)
			r.With(observe("sales.lockup"), review).Post("/sales/{id}/lockup-reached", s.handleSaleLockupReached)
			r.With(observe("sales.whitelist"), review).Post("/sales/{id}/whitelist", s.handleSaleWhitelist)
		})
	})
	return r
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseHexID(raw string) ([32]byte, error) {
	var id [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return id, fmt.Errorf("identifier is not hex: %w", err)
	}
	if len(decoded) != 32 {
		return id, fmt.Errorf("identifier must be 32 bytes, got %d", len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

// callerAddress resolves the on-ledger address bound to the authenticated
// subject via the addr claim.
func callerAddress(r *http.Request) ([20]byte, error) {
	var out [20]byte
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return out, err
	}
	raw, _ := claims.Attributes["addr"].(string)
	if strings.TrimSpace(raw) == "" {
		return out, errors.New("token carries no ledger address")
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return out, fmt.Errorf("token address invalid: %w", err)
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func (s *Server) record(r *http.Request, action, entityType, entityID, outcome, details string) {
	if s.auditor == nil {
		return
	}
	actor := "anonymous"
	if claims, err := auth.FromContext(r.Context()); err == nil {
		actor = claims.Subject
	}
	if err := s.auditor.Record(audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Outcome:    outcome,
		Details:    details,
	}); err != nil {
		s.logger.Error("audit append failed", "component", "gateway", "operation", action, "error", err.Error())
	}
}

func renderEscrow(esc *escrow.Escrow) map[string]interface{} {
	investor := crypto.MustNewAddress(crypto.InvPrefix, esc.Investor)
	return map[string]interface{}{
		"id":             hex.EncodeToString(esc.ID[:]),
		"saleId":         hex.EncodeToString(esc.SaleID[:]),
		"investor":       investor.String(),
		"currency":       esc.Currency,
		"amount":         esc.Amount.String(),
		"approvedAmount": esc.ApprovedAmount.String(),
		"refundedAmount": esc.RefundedAmount.String(),
		"tokenAmount":    esc.TokenAmount.String(),
		"status":         esc.Status.String(),
		"rejectReason":   esc.RejectReason,
		"createdAt":      esc.CreatedAt,
		"expiresAt":      esc.ExpiresAt,
		"adminDeadline":  esc.AdminDeadline,
	}
}

// --- read endpoints ---

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Model(&models.Deal{})
	if state := strings.TrimSpace(r.URL.Query().Get("state")); state != "" {
		query = query.Where("state = ?", strings.ToUpper(state))
	}
	if dealType := strings.TrimSpace(r.URL.Query().Get("dealType")); dealType != "" {
		query = query.Where("deal_type = ?", dealType)
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		offset = parsed
	}
	var deals []models.Deal
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&deals).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "deal lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deals": deals})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var deal models.Deal
	err := s.db.WithContext(r.Context()).
		Preload("Terms").Preload("Documents").
		Where("id = ?", id).First(&deal).Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, deal)
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "deal not found")
	default:
		writeError(w, http.StatusInternalServerError, "deal lookup failed")
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	esc, err := s.escrow.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "escrow not found")
		return
	}
	payload := renderEscrow(esc)
	payload["refundable"] = s.escrow.CanRefund(id)
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.sales.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "sale not found")
		return
	}
	status, err := s.sales.Status(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status derivation failed")
		return
	}
	owner := crypto.MustNewAddress(crypto.InvPrefix, record.Owner)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":               hex.EncodeToString(record.ID[:]),
		"owner":            owner.String(),
		"token":            record.Token,
		"dealType":         record.DealType,
		"status":           status.String(),
		"priceWad":         record.PriceWad.String(),
		"hardcap":          record.Hardcap.String(),
		"softcap":          record.Softcap.String(),
		"totalPurchased":   record.TotalPurchased.String(),
		"participantCount": record.ParticipantCount,
		"lockupBps":        record.LockupBps,
		"lockupReached":    record.LockupTVLReached,
		"paused":           record.Paused,
		"createdAt":        record.CreatedAt,
		"duration":         record.Duration,
	})
}

func (s *Server) handleSaleAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decoded, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address is not valid bech32")
		return
	}
	var addr [20]byte
	copy(addr[:], decoded.Bytes())

	purchased, err := s.sales.PurchaseOf(id, addr)
	if err != nil {
		writeError(w, http.StatusNotFound, "sale not found")
		return
	}
	locked, err := s.sales.LockedBalanceOf(id, addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger lookup failed")
		return
	}
	payload := map[string]interface{}{
		"purchased": purchased.String(),
		"locked":    locked.String(),
	}
	if currency := strings.TrimSpace(r.URL.Query().Get("currency")); currency != "" {
		paid, err := s.sales.PaidAmountOf(id, addr, currency)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid currency")
			return
		}
		payload["paid"] = paid.String()
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- admin endpoints ---

type approveRequest struct {
	ApprovedAmount string `json:"approvedAmount,omitempty"`
}

func (s *Server) handleApproveEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	var req approveRequest
	if r.Body != nil {
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil && decodeErr.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	entityID := hex.EncodeToString(id[:])
	if strings.TrimSpace(req.ApprovedAmount) == "" {
		err = s.escrow.ApproveAndExecute(id, caller)
		s.recordOutcome(r, "escrow.approve", entityID, err)
	} else {
		approved, ok := new(big.Int).SetString(req.ApprovedAmount, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "approvedAmount is not a decimal integer")
			return
		}
		err = s.escrow.PartialApproveAndExecute(id, caller, approved)
		s.recordOutcome(r, "escrow.partial_approve", entityID, err)
	}
	if err != nil {
		s.metrics.ObserveFailure("escrow", "approve")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	esc, getErr := s.escrow.Get(id)
	if getErr != nil {
		writeError(w, http.StatusInternalServerError, "escrow reload failed")
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	entityID := hex.EncodeToString(id[:])
	err = s.escrow.RejectAndRefund(id, caller, req.Reason)
	s.recordOutcome(r, "escrow.reject", entityID, err)
	if err != nil {
		s.metrics.ObserveFailure("escrow", "reject")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	esc, getErr := s.escrow.Get(id)
	if getErr != nil {
		writeError(w, http.StatusInternalServerError, "escrow reload failed")
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entityID := hex.EncodeToString(id[:])
	err = s.escrow.Refund(id)
	s.recordOutcome(r, "escrow.refund", entityID, err)
	if err != nil {
		if errors.Is(err, escrow.ErrNotRefundable) {
			writeError(w, http.StatusConflict, "escrow is not refundable")
			return
		}
		s.metrics.ObserveFailure("escrow", "refund")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	esc, getErr := s.escrow.Get(id)
	if getErr != nil {
		writeError(w, http.StatusInternalServerError, "escrow reload failed")
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	entityID := hex.EncodeToString(id[:])
	err = s.escrow.EmergencyWithdraw(id, caller)
	s.recordOutcome(r, "escrow.emergency_withdraw", entityID, err)
	if err != nil {
		s.metrics.ObserveFailure("escrow", "emergency_withdraw")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

func (s *Server) handleSalePause(w http.ResponseWriter, r *http.Request) {
	s.saleAdminAction(w, r, "sale.pause", func(id [32]byte, caller [20]byte) error {
		return s.sales.Pause(id, caller)
	})
}

func (s *Server) handleSaleResume(w http.ResponseWriter, r *http.Request) {
	s.saleAdminAction(w, r, "sale.resume", func(id [32]byte, caller [20]byte) error {
		return s.sales.Resume(id, caller)
	})
}

type sweepRequest struct {
	Currency string `json:"currency"`
}

func (s *Server) handleSaleSweep(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	entityID := hex.EncodeToString(id[:])
	err = s.sales.Sweep(id, caller, req.Currency)
	s.recordOutcome(r, "sale.sweep", entityID, err)
	if err != nil {
		s.metrics.ObserveFailure("sale", "sweep")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

type lockupRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleSaleLockupReached(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	var req lockupRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	entityID := hex.EncodeToString(id[:])
	err = s.sales.SetLockupReached(id, caller, req.Force)
	s.recordOutcome(r, "sale.lockup_reached", entityID, err)
	if err != nil {
		s.metrics.ObserveFailure("sale", "lockup_reached")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "lockup reached"})
}

type whitelistRequest struct {
	Addresses  []string `json:"addresses,omitempty"`
	Currencies []string `json:"currencies,omitempty"`
	Allowed    bool     `json:"allowed"`
}

func (s *Server) handleSaleWhitelist(w http.ResponseWriter, r *http.Request) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Addresses) == 0 && len(req.Currencies) == 0 {
		writeError(w, http.StatusBadRequest, "addresses or currencies required")
		return
	}
	entityID := hex.EncodeToString(id[:])
	if len(req.Addresses) > 0 {
		addrs := make([][20]byte, 0, len(req.Addresses))
		for _, raw := range req.Addresses {
			decoded, err := crypto.DecodeAddress(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("address %q is not valid bech32", raw))
				return
			}
			var addr [20]byte
			copy(addr[:], decoded.Bytes())
			addrs = append(addrs, addr)
		}
		err = s.sales.WhitelistUsers(id, caller, addrs, req.Allowed)
		s.recordOutcome(r, "sale.whitelist_users", entityID, err)
		if err != nil {
			s.metrics.ObserveFailure("sale", "whitelist_users")
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	if len(req.Currencies) > 0 {
		err = s.sales.WhitelistCurrencies(id, caller, req.Currencies, req.Allowed)
		s.recordOutcome(r, "sale.whitelist_currencies", entityID, err)
		if err != nil {
			s.metrics.ObserveFailure("sale", "whitelist_currencies")
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) saleAdminAction(w http.ResponseWriter, r *http.Request, action string, fn func(id [32]byte, caller [20]byte) error) {
	id, err := parseHexID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	entityID := hex.EncodeToString(id[:])
	err = fn(id, caller)
	s.recordOutcome(r, action, entityID, err)
	if err != nil {
		s.metrics.ObserveFailure("sale", strings.TrimPrefix(action, "sale."))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recordOutcome(r *http.Request, action, entityID string, err error) {
	outcome := "success"
	details := ""
	if err != nil {
		outcome = "failure"
		details = err.Error()
	}
	entityType := "escrow"
	if strings.HasPrefix(action, "sale.") {
		entityType = "sale"
	}
	s.record(r, action, entityType, entityID, outcome, details)
}

// ListenAndServe starts the HTTP server with sensible timeouts.
func (s *Server) ListenAndServe(addr string, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return server.ListenAndServe()
}
