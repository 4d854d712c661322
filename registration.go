package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type RegistrationConfig struct {
	// URL of the controlled site.
	OriginURL url.URL
	// Network for requests no worker handles.
	Network Network
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Registration holds the worker versions of one origin and routes requests to
// the one controlling the site.
type Registration struct {
	network Network
	keyer   cachekey.CacheKeyer
	log     zerolog.Logger

	// serializes install and activation
	lifecycle sync.Mutex

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	controller *Worker
	// every worker ever registered, for shutdown
	workers []*Worker

	// fetch events with outstanding WaitUntil work
	events tracker
}

func NewRegistration(config RegistrationConfig) *Registration {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	origin := config.OriginURL
	return &Registration{
		network: config.Network,
		keyer:   cachekey.NewCacheKeyer(&origin),
		log:     logger.With().Str("origin", origin.String()).Logger(),
	}
}

// Register installs w. If the install fails, w becomes redundant and the
// previous versions are left as they are.
// An installed worker is activated right away if no worker is active or it
// asked to skip waiting; otherwise it waits.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w.setState(StateInstalling)
	r.mu.Lock()
	r.installing = w
	r.workers = append(r.workers, w)
	r.mu.Unlock()

	e := w.newEvent(ctx, EventInstall)
	err := errors.Join(w.Dispatch(e), e.Wait())

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		w.retire()
		if !errors.Is(err, ErrInstallFailed) {
			err = fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		return fmt.Errorf("version %s: %w", w.Version(), err)
	}
	if r.waiting != nil {
		r.waiting.retire()
	}
	r.waiting = w
	w.setState(StateWaiting)
	noActive := r.active == nil
	r.mu.Unlock()

	if noActive || e.wantsSkipWaiting() {
		r.activate(ctx, w)
	} else {
		w.log.Info().Msg("Installed, waiting for activation")
	}
	return nil
}

// activate makes w the active worker. The caller holds the lifecycle lock.
// The previous worker is retired before the activate event evicts its partitions,
// it keeps answering requests from what is left until w takes over.
func (r *Registration) activate(ctx context.Context, w *Worker) {
	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil && prev != w {
		prev.retire()
	}

	e := w.newEvent(ctx, EventActivate)
	if err := errors.Join(w.Dispatch(e), e.Wait()); err != nil {
		e.Log.Error().Err(err).Msg("Activation incomplete")
	}

	r.mu.Lock()
	if r.waiting == w {
		r.waiting = nil
	}
	r.active = w
	w.setState(StateActive)
	// clients of the previous worker are handed over
	if e.wantsClaim() || r.controller != nil {
		r.controller = w
	}
	r.mu.Unlock()
	w.log.Info().Msg("Activated")
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting for activation, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// PostMessage delivers a control message to the waiting worker if there is
// one, else to the active worker.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.Unlock()
	if target == nil {
		return ErrNoActiveWorker
	}

	e := target.newEvent(ctx, EventMessage)
	e.Message = msg
	if err := errors.Join(target.Dispatch(e), e.Wait()); err != nil {
		return err
	}
	if e.wantsSkipWaiting() && target.State() == StateWaiting {
		r.activate(ctx, target)
	}
	return nil
}

// Push delivers a push payload to the active worker.
// It returns the tag of the shown notification, if any.
func (r *Registration) Push(ctx context.Context, data []byte) (string, error) {
	e, err := r.dispatchActive(ctx, EventPush, func(e *Event) {
		e.Data = data
	})
	if err != nil {
		return "", err
	}
	return e.NotificationTag, nil
}

// NotificationClick tells the active worker a notification was clicked.
func (r *Registration) NotificationClick(ctx context.Context, tag, action string) error {
	_, err := r.dispatchActive(ctx, EventNotificationClick, func(e *Event) {
		e.NotificationTag = tag
		e.Action = action
	})
	return err
}

// Sync fires a background sync event for tag.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	_, err := r.dispatchActive(ctx, EventSync, func(e *Event) {
		e.Tag = tag
	})
	return err
}

func (r *Registration) dispatchActive(ctx context.Context, kind EventKind, setup func(e *Event)) (*Event, error) {
	w := r.Active()
	if w == nil {
		return nil, ErrNoActiveWorker
	}
	e := w.newEvent(ctx, kind)
	setup(e)
	return e, errors.Join(w.Dispatch(e), e.Wait())
}

// controllerFor returns the worker handling req, or nil.
// Navigations bring the page under control of the active worker.
func (r *Registration) controllerFor(req *http.Request) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.controller != r.active && classifier.FromHTTP(req).Navigate {
		r.controller = r.active
	}
	return r.controller
}

// Fetch lets the controlling worker handle req. The request URL must be absolute.
// It returns ErrNotIntercepted if no worker responded; the request should go
// to the network as is.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	status := passThroughStatus(req)
	w := r.controllerFor(req)
	if w == nil {
		return nil, status, ErrNotIntercepted
	}

	e := w.newEvent(ctx, EventFetch)
	e.Request = req
	defer func() {
		r.events.start()
		go func() {
			defer r.events.done()
			if err := e.Wait(); err != nil {
				e.Log.Debug().Err(err).Msg("Background work failed")
			}
		}()
	}()
	if err := w.Dispatch(e); err != nil {
		return nil, status, err
	}
	res, status, ok, err := e.Response()
	if !ok {
		return nil, passThroughStatus(req), ErrNotIntercepted
	}
	return res, status, err
}

func passThroughStatus(req *http.Request) cachestatus.CacheStatus {
	status := cachestatus.CacheStatus{}
	if req.Method != http.MethodGet {
		status.Forward(cachestatus.FwdMethod)
	} else {
		status.Forward(cachestatus.FwdBypass)
	}
	return status
}

// ServeHTTP implements the http.Handler interface.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer r.recover(w, req)
	r.handle(w, req)
}

// recover recovers from panics and sends the request to the escape hatch.
func (r *Registration) recover(w http.ResponseWriter, req *http.Request) {
	if err := recover(); err != nil {
		r.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", req.URL.String()).Msg("Panic in fetch handler")
		r.escapeHatch(w, req, passThroughStatus(req))
	}
}

func (r *Registration) handle(w http.ResponseWriter, req *http.Request) {
	req.URL = r.keyer.Absolute(req.URL)
	r.log.Trace().Msgf("Incoming request: %s %s", req.Method, req.URL.String())

	res, status, err := r.Fetch(req.Context(), req)
	if errors.Is(err, ErrNotIntercepted) {
		r.escapeHatch(w, req, status)
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not fetch")
		w.Header().Set("Cache-Status", status.String())
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	res.Request = req
	r.send(w, res, status)
}

// escapeHatch sends the request to the network untouched.
func (r *Registration) escapeHatch(w http.ResponseWriter, req *http.Request, status cachestatus.CacheStatus) {
	res, err := r.network.Fetch(req.Context(), req)
	if err != nil {
		r.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	res.Request = req
	r.send(w, res, status)
}

func (r *Registration) send(w http.ResponseWriter, res *http.Response, status cachestatus.CacheStatus) {
	isHit := 0
	if status.IsHit() {
		isHit = 1
	}
	r.log.Debug().
		Str("url", res.Request.URL.String()).
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Str("detail", status.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not write response body to client")
	}
	r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// VersionStatus describes one registered worker.
type VersionStatus struct {
	Version    string         `json:"version"`
	State      string         `json:"state"`
	Controller bool           `json:"controller"`
	Partitions map[string]int `json:"partitions,omitempty"`
}

type Status struct {
	Versions []VersionStatus `json:"versions"`
	// All partitions in the storage with their entry counts.
	Partitions map[string]int `json:"partitions"`
}

// Status describes the registered workers and the stored partitions.
func (r *Registration) Status() (Status, error) {
	r.mu.Lock()
	workers := make([]*Worker, 0, 3)
	for _, w := range []*Worker{r.installing, r.waiting, r.active} {
		if w != nil {
			workers = append(workers, w)
		}
	}
	controller := r.controller
	r.mu.Unlock()

	status := Status{
		Versions:   make([]VersionStatus, 0, len(workers)),
		Partitions: make(map[string]int),
	}
	if len(workers) == 0 {
		return status, nil
	}
	storage := workers[0].Partitions().Storage()
	names, err := storage.Names()
	if err != nil {
		return status, err
	}
	for _, name := range names {
		n, err := cache.Count(storage, name)
		if err != nil {
			return status, err
		}
		status.Partitions[name] = n
	}
	for _, w := range workers {
		vs := VersionStatus{
			Version:    w.Version(),
			State:      w.State().String(),
			Controller: w == controller,
			Partitions: make(map[string]int),
		}
		for _, name := range w.Partitions().Names() {
			if n, ok := status.Partitions[name]; ok {
				vs.Partitions[name] = n
			}
		}
		status.Versions = append(status.Versions, vs)
	}
	return status, nil
}

// Shutdown waits for outstanding background work of all workers until ctx is done.
// Requests may still arrive meanwhile; their work is waited for as well.
func (r *Registration) Shutdown(ctx context.Context) error {
	if err := r.events.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	workers := r.workers
	r.mu.Unlock()
	for _, w := range workers {
		if err := w.Idle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
