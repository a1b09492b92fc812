// Package server exposes a read-only HTTP view of a timeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/metrics"
	"github.com/strata-project/strata/pkg/model"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// Server serves a timeline over HTTP. Every listing reloads from storage.
type Server struct {
	tl      *timeline.ActiveTimeline
	metrics *metrics.Registry
	log     *logging.Logger
	addr    string
}

// New creates a server for tl listening on addr. reg may be nil, in which
// case /metrics is not mounted.
func New(tl *timeline.ActiveTimeline, reg *metrics.Registry, log *logging.Logger, addr string) *Server {
	if log == nil {
		log = logging.Global()
	}
	return &Server{tl: tl, metrics: reg, log: log, addr: addr}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/timeline", s.handleTimeline)
	r.Get("/timeline/{requestedTime}", s.handleInstant)
	r.Get("/instants/{fileName}", s.handlePayload)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server started", logging.Fields{"addr": s.addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("error encoding response", logging.Fields{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errclass.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errclass.ErrValidation), errors.Is(err, errclass.ErrNameInvalid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.ErrorErr("request failed", err)
	}
	s.writeJSON(w, status, NewErrorResponse(errclass.CodeOf(err), err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if err := s.tl.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	view := s.tl.View()

	q := r.URL.Query()
	if v := q.Get("state"); v != "" {
		state, ok := model.ParseState(strings.ToUpper(v))
		if !ok {
			s.writeError(w, errclass.ErrValidation.WithMessagef("unknown state %q", v))
			return
		}
		view = view.ByState(state)
	}
	if v := q.Get("action"); v != "" {
		action, ok := model.ParseAction(v)
		if !ok {
			s.writeError(w, errclass.ErrValidation.WithMessagef("unknown action %q", v))
			return
		}
		view = view.ByActions(action)
	}

	instants := view.Instants()
	switch q.Get("order") {
	case "", "requested":
	case "completion":
		instants = view.OrderedByCompletionTime()
	default:
		s.writeError(w, errclass.ErrValidation.WithMessagef("unknown order %q", q.Get("order")))
		return
	}
	s.writeJSON(w, http.StatusOK, s.timelineResponse(instants))
}

func (s *Server) handleInstant(w http.ResponseWriter, r *http.Request) {
	requestedTime := chi.URLParam(r, "requestedTime")
	if err := s.tl.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	stages := s.tl.Stages().Find(requestedTime)
	if len(stages) == 0 {
		s.writeError(w, errclass.ErrNotFound.WithMessagef("no instant at %s", requestedTime))
		return
	}
	s.writeJSON(w, http.StatusOK, s.timelineResponse(stages))
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "fileName")
	inst, ok := s.tl.ParseFileName(name)
	if !ok {
		s.writeError(w, errclass.ErrValidation.WithMessagef("%q is not a timeline file name", name))
		return
	}
	rc, err := s.tl.ContentStream(r.Context(), inst)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("error streaming payload", logging.Fields{"file": name, "error": err.Error()})
	}
}

func (s *Server) timelineResponse(instants []model.Instant) TimelineResponse {
	out := TimelineResponse{
		Layout:   s.tl.Layout().String(),
		Count:    len(instants),
		Instants: make([]InstantResponse, 0, len(instants)),
	}
	for _, inst := range instants {
		name, _ := s.tl.FileName(inst)
		out.Instants = append(out.Instants, InstantResponse{Instant: inst, FileName: name})
	}
	return out
}
