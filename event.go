package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"sync"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

// Handler handles one event. Work that has to finish before the worker may be
// recycled is registered with Event.WaitUntil.
type Handler func(e *Event) error

// Event is a single event delivered to a worker.
// Only the fields for its kind are set.
type Event struct {
	Kind EventKind
	ID   string
	// Intercepted request (fetch).
	Request *http.Request
	// Control message (message).
	Message Message
	// Raw payload (push).
	Data []byte
	// Clicked notification and chosen action (notificationclick).
	NotificationTag string
	Action          string
	// Sync registration tag (sync).
	Tag string

	Log zerolog.Logger

	ctx     context.Context
	pending sync.WaitGroup

	mu          sync.Mutex
	errs        []error
	responded   bool
	response    *http.Response
	responseErr error
	status      cachestatus.CacheStatus
	skipWaiting bool
	claim       bool
}

// NewEvent creates an event of the given kind.
// Work registered with WaitUntil gets a context that is not canceled with ctx.
func NewEvent(ctx context.Context, kind EventKind, logger zerolog.Logger) *Event {
	id := uuid.NewString()
	return &Event{
		Kind: kind,
		ID:   id,
		Log:  logger.With().Str("event", string(kind)).Str("eventId", id).Logger(),
		ctx:  ctx,
	}
}

// Context returns the context of the dispatch.
func (e *Event) Context() context.Context {
	return e.ctx
}

// WaitUntil extends the lifetime of the event until fn returns.
// An error returned by fn fails the event.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.pending.Add(1)
	ctx := context.WithoutCancel(e.ctx)
	go func() {
		defer e.pending.Done()
		if err := fn(ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until all work registered with WaitUntil has finished.
func (e *Event) Wait() error {
	e.pending.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// RespondWith supplies the response of a fetch event.
// Only the first call has an effect; it returns false for later calls.
func (e *Event) RespondWith(res *http.Response, status cachestatus.CacheStatus, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		e.Log.Warn().Msg("Fetch event already responded to")
		return false
	}
	e.responded = true
	e.response = res
	e.status = status
	e.responseErr = err
	return true
}

// Response returns the response supplied with RespondWith.
// The boolean is false if the event was not responded to, i.e. the request is not intercepted.
func (e *Event) Response() (*http.Response, cachestatus.CacheStatus, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response, e.status, e.responded, e.responseErr
}

// SkipWaiting asks for the worker to be activated without waiting.
func (e *Event) SkipWaiting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipWaiting = true
}

// Claim asks for the worker to take control of all clients once active.
func (e *Event) Claim() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claim = true
}

func (e *Event) wantsSkipWaiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipWaiting
}

func (e *Event) wantsClaim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claim
}

// tracker counts running background work.
// Unlike a sync.WaitGroup, work may be started while another goroutine waits.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

// wait returns once no work is running, or ctx is done.
func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
