package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultStaleAfter is the heartbeat age after which /healthz reports unavailable.
const DefaultStaleAfter = 30 * time.Second

// StatusJobLimit caps the jobs listed per status request.
const StatusJobLimit = 50

const maxRequestBody = 64 << 10

// Store is the read side the status endpoints depend on.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	ListSyncStates(ctx context.Context, userID string) ([]*models.SyncState, error)
	Heartbeat(ctx context.Context) (models.Heartbeat, error)
}

// Enqueuer creates jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, t models.JobType, p models.Payload) (string, error)
}

// Options configures [NewStatusRouter].
type Options struct {
	Store      Store
	Enqueuer   Enqueuer
	Logger     *log.Logger
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewStatusRouter wires the status endpoints onto a [BasicRouter].
func NewStatusRouter(opts Options) *BasicRouter {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := NewBasicRouter()
	r.Use(Recoverer(opts.Logger), RequestLogger(opts.Logger))

	r.Handler(&HealthHandler{store: opts.Store, staleAfter: opts.StaleAfter, now: opts.Now})
	r.Handler(&StatusHandler{store: opts.Store})
	r.Handler(&JobsHandler{store: opts.Store, enqueuer: opts.Enqueuer})
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status   string    `json:"status"`
	WorkerID string    `json:"workerId,omitempty"`
	BeatAt   time.Time `json:"beatAt"`
	Age      string    `json:"age,omitempty"`
}

// HealthHandler reports worker liveness from the heartbeat row.
type HealthHandler struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

func (h *HealthHandler) Routes() []string { return []string{"GET /healthz"} }

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hb, err := h.store.Heartbeat(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "heartbeat unavailable")
		return
	}

	now := h.now()
	resp := HealthResponse{Status: "ok", WorkerID: hb.WorkerID, BeatAt: hb.BeatAt}
	if !hb.BeatAt.IsZero() {
		resp.Age = now.Sub(hb.BeatAt).Truncate(time.Millisecond).String()
	}

	if !hb.Alive(now, h.staleAfter) {
		resp.Status = "stale"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// StatusResponse is the body of /api/users/{id}/status.
type StatusResponse struct {
	User   *models.User        `json:"user"`
	States []*models.SyncState `json:"states"`
	Jobs   []*models.Job       `json:"jobs"`
}

// StatusHandler serves the per-user sync status.
type StatusHandler struct {
	store Store
}

func (h *StatusHandler) Routes() []string { return []string{"GET /api/users/{id}/status"} }

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := lookupUser(w, r, h.store, r.PathValue("id"))
	if !ok {
		return
	}

	states, err := h.store.ListSyncStates(ctx, user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sync state")
		return
	}
	jobs, err := h.store.ListJobs(ctx, user.ID, StatusJobLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		User:   user,
		States: nonNil(states),
		Jobs:   nonNil(jobs),
	})
}

// EnqueueRequest is the body of POST /api/jobs.
type EnqueueRequest struct {
	UserID  string          `json:"userId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueResponse is returned for an accepted job.
type EnqueueResponse struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
}

// JobsHandler validates and enqueues jobs.
type JobsHandler struct {
	store    Store
	enqueuer Enqueuer
}

func (h *JobsHandler) Routes() []string { return []string{"POST /api/jobs"} }

func (h *JobsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	t, err := models.ParseJobType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := models.DecodePayload(t, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := lookupUser(w, r, h.store, req.UserID); !ok {
		return
	}

	id, err := h.enqueuer.Enqueue(r.Context(), req.UserID, t, p)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, EnqueueResponse{ID: id, Resource: models.ResourceKey(t, p)})
}

func lookupUser(w http.ResponseWriter, r *http.Request, store Store, id string) (*models.User, bool) {
	user, err := store.GetUser(r.Context(), id)
	switch {
	case errors.Is(err, shared.ErrUnknownResource):
		respondError(w, http.StatusNotFound, "unknown user")
		return nil, false
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to look up user")
		return nil, false
	}
	return user, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
