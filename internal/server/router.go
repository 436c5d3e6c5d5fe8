package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prudhvinik1/ledgersync/internal/auth"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
)

const (
	maxBodyBytes     = 1 << 20
	defaultPageLimit = 1000
)

type contextKey string

const claimsKey contextKey = "claims"

// Handler serves the sync protocol over HTTP.
type Handler struct {
	Ledger   *Ledger
	Hub      *Hub
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// Presence, when set, serves the list of subscribed clients.
	Presence Presence

	JWTSecret string
	JWTExpiry time.Duration
	// UserID and PasswordHash enable password login at /auth/token.
	UserID       string
	PasswordHash string
}

func NewRouter(h *Handler) http.Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.JWTExpiry <= 0 {
		h.JWTExpiry = 24 * time.Hour
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if h.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	router.Post("/auth/token", h.login)

	router.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/execute", h.execute)
		r.Get("/events", h.events)
		r.Get("/snapshot", h.snapshot)
		r.Get("/subscribe", h.subscribe)
		r.Get("/clients", h.clients)
	})
	return router
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
	ClientID string `json:"clientId"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	creds := auth.Credentials{UserID: h.UserID, PasswordHash: h.PasswordHash}
	if !creds.Enabled() {
		h.writeError(w, r, ErrNotFound)
		return
	}
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !creds.Verify(req.UserID, req.Password) {
		writeJSON(w, http.StatusUnauthorized, remote.ErrorBody{Error: "invalid credentials", Code: "unauthorized"})
		return
	}
	token, expiresAt, err := auth.IssueToken(h.JWTSecret, req.UserID, req.ClientID, h.JWTExpiry)
	if err != nil {
		h.writeError(w, r, errors.Join(ErrBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, remote.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// authenticate accepts the token from the Authorization header, or from the
// token query parameter for websocket clients that cannot set headers.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		claims, err := auth.VerifyToken(h.JWTSecret, token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, remote.ErrorBody{Error: err.Error(), Code: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Events are attributed to the authenticated client, whatever the body
	// claims.
	claims := claimsFrom(r.Context())
	evs, err := h.Ledger.Execute(r.Context(), claims.ClientID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ExecuteResponse{Events: evs})
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > defaultPageLimit {
		limit = defaultPageLimit
	}
	evs, err := h.Ledger.Since(r.Context(), since, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []models.SyncEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Ledger.Snapshot()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil || since < 0 {
		h.writeError(w, r, errors.Join(ErrBadRequest, err))
		return
	}
	h.Hub.ServeWS(w, r, claimsFrom(r.Context()).ClientID, since)
}

func (h *Handler) clients(w http.ResponseWriter, r *http.Request) {
	if h.Presence == nil {
		h.writeError(w, r, ErrNotFound)
		return
	}
	list, err := h.Presence.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Join(ErrBadRequest, errors.New(key+" must be an integer"))
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation"
	case errors.Is(err, ErrUnknownOperation):
		status, code = http.StatusBadRequest, "unknown_operation"
	case errors.Is(err, ErrBadRequest):
		status, code = http.StatusBadRequest, "bad_request"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, remote.ErrorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
