package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// ControlPrefix is the path under which the control API is mounted.
const ControlPrefix = "/.offline-cache"

// Largest accepted control request body.
const maxControlBody = 64 << 10

type ControlConfig struct {
	Registration *Registration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Metrics exposed at /metrics. The endpoint is not mounted if nil.
	Gatherer prometheus.Gatherer
	// Creates the worker for a new version, e.g. from a reloaded config file.
	// The update endpoint is not mounted if nil.
	Update func(ctx context.Context) (*Worker, error)
}

type control struct {
	registration *Registration
	update       func(ctx context.Context) (*Worker, error)
}

// NewControlHandler returns the handler for the whole site: the control API
// under ControlPrefix, every other request goes to the registration.
func NewControlHandler(config ControlConfig) http.Handler {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	c := &control{
		registration: config.Registration,
		update:       config.Update,
	}

	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(hlog.NewHandler(logger))
		r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Control request")
		}))
		r.Post("/message", c.message)
		r.Post("/push", c.push)
		r.Post("/notificationclick", c.notificationClick)
		r.Post("/sync/{tag}", c.sync)
		if c.update != nil {
			r.Post("/update", c.updateVersion)
		}
		r.Get("/status", c.status)
		if config.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
		}
	})
	r.Handle("/*", config.Registration)
	return r
}

type notificationClickRequest struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

type pushResponse struct {
	Tag string `json:"tag,omitempty"`
}

type updateResponse struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

func (c *control) message(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if !decodeJSONBody(w, r, &msg) {
		return
	}
	if err := c.registration.PostMessage(r.Context(), msg); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) push(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, r, err)
		return
	}
	tag, err := c.registration.Push(r.Context(), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{Tag: tag})
}

func (c *control) notificationClick(w http.ResponseWriter, r *http.Request) {
	var req notificationClickRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := c.registration.NotificationClick(r.Context(), req.Tag, req.Action); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) sync(w http.ResponseWriter, r *http.Request) {
	if err := c.registration.Sync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) updateVersion(w http.ResponseWriter, r *http.Request) {
	worker, err := c.update(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := c.registration.Register(r.Context(), worker); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{
		Version: worker.Version(),
		State:   worker.State().String(),
	})
}

func (c *control) status(w http.ResponseWriter, r *http.Request) {
	status, err := c.registration.Status()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Warn().Err(err).Msg("Control request failed")
	switch {
	case errors.Is(err, ErrNoActiveWorker):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrMalformedPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInstallFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
