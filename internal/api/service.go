// Package api provides the HTTP handlers for bet intake, engine reads and
// admin controls, plus the WebSocket hub for live updates.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/frame-engine/internal/frame"
	"github.com/atmx/frame-engine/internal/limits"
	"github.com/atmx/frame-engine/internal/model"
	"github.com/atmx/frame-engine/internal/store"
)

// QueueStatus reports payout backlog. payout.Queue implements it.
type QueueStatus interface {
	Pending() int
}

// Service exposes the engine over HTTP.
type Service struct {
	engine *frame.Engine
	repo   *store.Repository
	queue  QueueStatus // optional
	wsHub  *WSHub      // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new service. queue and hub may be nil.
func NewService(eng *frame.Engine, repo *store.Repository, queue QueueStatus, hub *WSHub) *Service {
	return &Service{engine: eng, repo: repo, queue: queue, wsHub: hub}
}

// Routes mounts the public routes on r. Admin routes are mounted separately
// by the caller when enabled.
func (s *Service) Routes(r chi.Router) {
	r.Post("/bets", s.PlaceBet)
	r.Get("/quote/{direction}", s.GetQuote)
	r.Get("/state", s.GetState)
	r.Get("/users/{userID}", s.GetUser)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// AdminRoutes mounts the pause, resume and cancel controls on r.
func (s *Service) AdminRoutes(r chi.Router) {
	r.Post("/pause", s.Pause)
	r.Post("/resume", s.Resume)
	r.Post("/cancel", s.Cancel)
}

// --- Request/Response types ---

// QuoteResponse is the body of GET /quote/{direction}.
type QuoteResponse struct {
	FrameID   int64           `json:"frame_id"`
	Direction model.Direction `json:"direction"`
	Price     string          `json:"price"`
}

// StateResponse is the body of GET /state and the admin controls.
type StateResponse struct {
	frame.Snapshot
	PendingBatches int `json:"pending_batches"`
}

// --- HTTP Handlers ---

// PlaceBet handles POST /api/v1/bets.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req frame.BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRejection(w, "invalid request body", "invalid", http.StatusBadRequest)
		return
	}
	req.Direction = model.Direction(strings.ToUpper(string(req.Direction)))

	receipt, err := s.engine.SubmitBet(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("bet failed", "signature", req.Signature, "user", req.UserID, "err", err)
		}
		writeRejection(w, err.Error(), frame.RejectReason(err), status)
		return
	}

	if s.wsHub != nil {
		snap := s.engine.Snapshot()
		msg := PriceMessage(snap)
		msg.Type = "bet"
		msg.Direction = string(receipt.Direction)
		msg.Shares = receipt.Shares.String()
		s.wsHub.Broadcast(msg)
	}

	writeJSON(w, http.StatusOK, receipt)
}

// GetQuote handles GET /api/v1/quote/{direction}.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	dir := model.Direction(strings.ToUpper(chi.URLParam(r, "direction")))
	snap := s.engine.Snapshot()
	price, err := snap.Quote(dir)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := QuoteResponse{Direction: dir, Price: price.String()}
	if snap.Frame != nil {
		resp.FrameID = snap.Frame.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetState handles GET /api/v1/state.
func (s *Service) GetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

// GetUser handles GET /api/v1/users/{userID}. Unknown users get an empty record.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	u, err := s.repo.LoadUser(r.Context(), userID)
	if err != nil {
		slog.Error("load user failed", "user", userID, "err", err)
		writeError(w, "failed to load user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Pause handles POST /api/v1/admin/pause.
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, s.engine.Pause(r.Context()))
}

// Resume handles POST /api/v1/admin/resume.
func (s *Service) Resume(w http.ResponseWriter, r *http.Request) {
	s.admin(w, s.engine.Resume(r.Context()))
}

// Cancel handles POST /api/v1/admin/cancel.
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	s.admin(w, s.engine.CancelAndRefund(r.Context()))
}

func (s *Service) admin(w http.ResponseWriter, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("admin action failed", "err", err)
		}
		writeError(w, err.Error(), status)
		return
	}
	state := s.state()
	if s.wsHub != nil {
		s.wsHub.Broadcast(PriceMessage(state.Snapshot))
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Service) state() StateResponse {
	resp := StateResponse{Snapshot: s.engine.Snapshot()}
	if s.queue != nil {
		resp.PendingBatches = s.queue.Pending()
	}
	return resp
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, frame.ErrInvalidBet),
		errors.Is(err, limits.ErrBelowMinimum),
		errors.Is(err, limits.ErrAboveMaximum),
		errors.Is(err, limits.ErrUserLimitExceeded),
		errors.Is(err, limits.ErrSideLimitExceeded):
		return http.StatusBadRequest
	case errors.Is(err, frame.ErrDuplicateSignature),
		errors.Is(err, frame.ErrBettingClosed),
		errors.Is(err, frame.ErrNotPaused),
		errors.Is(err, frame.ErrOutcomeDecided):
		return http.StatusConflict
	case errors.Is(err, frame.ErrFramePaused):
		return http.StatusLocked
	case errors.Is(err, frame.ErrNoOpenFrame):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeRejection is writeError with a machine-readable reason.
func writeRejection(w http.ResponseWriter, message, reason string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "reason": reason})
}
