package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// queueFor resolves the {direction} URL parameter, writing a 404 when it is unknown.
func (s *Server) queueFor(w http.ResponseWriter, r *http.Request) (store.QueueStore, bool) {
	raw := chi.URLParam(r, "direction")
	dir, err := models.ParseDirection(raw)
	if err != nil {
		slog.Warn("Server.queueFor: unknown direction", "direction", raw)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return nil, false
	}
	q, err := s.queues.Get(dir)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return nil, false
	}
	return q, true
}

// entryID returns the {id} URL parameter, rejecting values that could escape a queue directory.
func entryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid entry id"))
		return "", false
	}
	return id, true
}

// parseLimit reads ?limit=, defaulting to DefaultListLimit and capping at MaxListLimit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > MaxListLimit {
		n = MaxListLimit
	}
	return n, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if db := s.queues.DB(); db != nil {
		if err := db.PingContext(r.Context()); err != nil {
			slog.Error("Server.healthHandler: database unhealthy", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Database unhealthy"))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	m, err := q.Metrics(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: metrics failed", "error", err, "direction", q.Direction())
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read queue metrics"))
		return
	}
	if s.metrics != nil {
		s.metrics.Set(m)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	var p models.EnqueueParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.enqueueHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = s.opts.DefaultMaxRetries
	}
	if err := p.Validate(); err != nil {
		slog.Warn("Server.enqueueHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res := store.EnqueueWithRetry(r.Context(), q, p, s.opts.EnqueueRetries)
	if !res.Queued {
		slog.Error("Server.enqueueHandler: enqueue rejected", "error", res.Error, "direction", q.Direction())
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: res.Error,
			Result:  res,
		})
		return
	}
	slog.Debug("Server.enqueueHandler: queued", "id", res.ID, "sessionID", p.SessionID, "direction", q.Direction())
	writeJSONResponse(w, http.StatusAccepted, models.Queued(res))
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	pending, err := q.ListPending(r.Context())
	if err != nil {
		slog.Error("Server.pendingHandler: list failed", "error", err, "direction", q.Direction())
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list pending entries"))
		return
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pending))
}

func (s *Server) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	dls, err := q.ListDeadLetters(r.Context(), limit)
	if err != nil {
		slog.Error("Server.deadLettersHandler: list failed", "error", err, "direction", q.Direction())
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list dead letters"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(dls))
}

func (s *Server) deadLetterHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	dl, err := q.GetDeadLetter(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "read dead letter", "id", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(dl))
}

func (s *Server) requeueDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	newID, err := q.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "requeue dead letter", "id", id, "direction", q.Direction())
		return
	}
	slog.Info("Server.requeueDeadLetterHandler: dead letter requeued", "id", id, "newID", newID, "direction", q.Direction())
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Dead letter requeued", map[string]string{"id": newID}))
}

func (s *Server) recoverHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	if s.recovery == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Recovery is not configured"))
		return
	}
	res, err := s.recovery.Recover(r.Context(), q.Direction())
	if errors.Is(err, models.ErrUnknownDirection) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No processor registered for this direction"))
		return
	}
	if err != nil {
		slog.Error("Server.recoverHandler: recovery failed", "error", err, "direction", q.Direction())
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: err.Error(),
			Result:  res,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) locksHandler(w http.ResponseWriter, r *http.Request) {
	seen := make(map[lock.Manager]bool)
	active := []models.ProcessingLock{}
	for _, q := range s.queues.All() {
		lm := q.Locks()
		if seen[lm] {
			continue
		}
		seen[lm] = true
		locks, err := lm.ActiveLocks(r.Context())
		if err != nil {
			slog.Error("Server.locksHandler: lock listing failed", "error", err, "direction", q.Direction())
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list locks"))
			return
		}
		active = append(active, locks...)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(active))
}
