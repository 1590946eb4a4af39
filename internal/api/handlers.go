/**
 * @description
 * This file contains the HTTP handlers for the relay-service API. Handlers parse
 * requests, call the application service, and map domain errors onto status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: service logic and error values.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/fibrelay/relay-service/internal/app"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/vault"
	"github.com/fibrelay/relay-service/pkg/esplora"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler holds the application service that handlers will use.
type Handler struct {
	service  *app.Service
	sessions *SessionManager
}

// NewHandler creates a new Handler.
func NewHandler(service *app.Service, sessions *SessionManager) *Handler {
	return &Handler{service: service, sessions: sessions}
}

type passwordRequest struct {
	Password string `json:"password"`
}

type networkRequest struct {
	Network string `json:"network"`
}

type feeRatesResponse struct {
	Network domain.Network  `json:"network"`
	Rates   domain.FeeRates `json:"rates"`
	Source  string          `json:"source"`
}

type addressValidationResponse struct {
	Address string         `json:"address"`
	Network domain.Network `json:"network"`
	Valid   bool           `json:"valid"`
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Setup(r.Context(), req.Password); err != nil {
		writeServiceError(w, "setup", err)
		return
	}
	h.issueSession(w, http.StatusCreated)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Login(r.Context(), req.Password, clientIP(r)); err != nil {
		writeServiceError(w, "login", err)
		return
	}
	h.issueSession(w, http.StatusOK)
}

func (h *Handler) issueSession(w http.ResponseWriter, status int) {
	session, err := h.sessions.Issue()
	if err != nil {
		writeServiceError(w, "issue session", err)
		return
	}
	writeJSON(w, status, session)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.AuthStatus(r.Context())
	if err != nil {
		writeServiceError(w, "auth status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	network, err := h.service.ActiveNetwork(r.Context())
	if err != nil {
		writeServiceError(w, "get network", err)
		return
	}
	writeJSON(w, http.StatusOK, networkRequest{Network: string(network)})
}

func (h *Handler) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	network, err := h.service.SetActiveNetwork(r.Context(), req.Network)
	if err != nil {
		writeServiceError(w, "set network", err)
		return
	}
	writeJSON(w, http.StatusOK, networkRequest{Network: string(network)})
}

func (h *Handler) handleFeeRates(w http.ResponseWriter, r *http.Request) {
	network, err := h.service.ActiveNetwork(r.Context())
	if err != nil {
		writeServiceError(w, "fee rates", err)
		return
	}
	if raw := r.URL.Query().Get("network"); raw != "" {
		network = domain.Network(strings.ToLower(strings.TrimSpace(raw)))
	}
	rates, source, err := h.service.FeeRates(r.Context(), string(network))
	if err != nil {
		writeServiceError(w, "fee rates", err)
		return
	}
	writeJSON(w, http.StatusOK, feeRatesResponse{Network: network, Rates: rates, Source: source})
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	numHops, err := strconv.Atoi(strings.TrimSpace(q.Get("num_hops")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "num_hops must be an integer")
		return
	}
	estimate, err := h.service.EstimateFees(r.Context(), q.Get("network"), numHops, q.Get("fee_priority"))
	if err != nil {
		writeServiceError(w, "estimate", err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (h *Handler) handleListChains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.ChainFilter
	if raw := strings.TrimSpace(q.Get("network")); raw != "" {
		network, err := domain.ParseNetwork(strings.ToLower(raw))
		if err != nil {
			writeServiceError(w, "list chains", err)
			return
		}
		filter.Network = network
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseChainStatus(strings.ToLower(raw))
		if err != nil {
			writeServiceError(w, "list chains", err)
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	chains, err := h.service.ListChains(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "list chains", err)
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (h *Handler) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	var req app.CreateChainRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.service.CreateChain(r.Context(), req)
	if err != nil {
		writeServiceError(w, "create chain", err)
		return
	}
	status := http.StatusCreated
	if result.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleGetChain(w http.ResponseWriter, r *http.Request) {
	id, ok := chainID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetChain(r.Context(), id)
	if err != nil {
		writeServiceError(w, "get chain", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// chainAction adapts the single-chain lifecycle operations to handlers.
func (h *Handler) chainAction(name string, action func(*app.Service, *http.Request, uuid.UUID) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := chainID(w, r)
		if !ok {
			return
		}
		result, err := action(h.service, r, id)
		if err != nil {
			writeServiceError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func activateChain(s *app.Service, r *http.Request, id uuid.UUID) (any, error) {
	return s.Activate(r.Context(), id)
}

func cancelChain(s *app.Service, r *http.Request, id uuid.UUID) (any, error) {
	return s.Cancel(r.Context(), id)
}

func retryChain(s *app.Service, r *http.Request, id uuid.UUID) (any, error) {
	return s.Retry(r.Context(), id)
}

func syncChain(s *app.Service, r *http.Request, id uuid.UUID) (any, error) {
	return s.SyncStatus(r.Context(), id)
}

func exportKeys(s *app.Service, r *http.Request, id uuid.UUID) (any, error) {
	return s.ExportKeys(r.Context(), id)
}

func (h *Handler) handleValidateAddress(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	network, valid, err := h.service.ValidateAddress(r.Context(), r.URL.Query().Get("network"), address)
	if err != nil {
		writeServiceError(w, "validate address", err)
		return
	}
	writeJSON(w, http.StatusOK, addressValidationResponse{Address: address, Network: network, Valid: valid})
}

func (h *Handler) handleAddressBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	balance, err := h.service.GetAddressBalance(r.Context(), r.URL.Query().Get("network"), address)
	if err != nil {
		writeServiceError(w, "address balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.EngineStatus())
}

func (h *Handler) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	started, err := h.service.StartEngine()
	if err != nil {
		writeServiceError(w, "start engine", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": started, "status": h.service.EngineStatus()})
}

func (h *Handler) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StopEngine(r.Context()); err != nil {
		writeServiceError(w, "stop engine", err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.EngineStatus())
}

func chainID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid chain ID format")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// clientIP keys login throttling. It uses the TCP peer, not X-Forwarded-For, so a
// client cannot dodge the limit by rotating headers.
func clientIP(r *http.Request) string {
	addr, ok := r.Context().Value(peerAddrContextKey).(string)
	if !ok {
		addr = r.RemoteAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var limited *app.RateLimitError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrInvalidPassword), errors.Is(err, domain.ErrVaultNotSetup):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrChainNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadySetup):
		return http.StatusConflict
	case errors.Is(err, vault.ErrVaultLocked):
		return http.StatusLocked
	case errors.Is(err, vault.ErrAuthentication):
		return http.StatusUnprocessableEntity
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case esplora.IsTransient(err), errors.Is(err, app.ErrNoOracle), errors.Is(err, app.ErrEngineStopTimed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
	}
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api op=%q msg=\"request failed\" err=%v", op, err)
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
