package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrFetchFailed   = errors.New("fetch failed")
	// The request is not handled by a worker and goes to the network as is.
	ErrNotIntercepted  = errors.New("not intercepted")
	ErrNoActiveWorker  = errors.New("no active worker")
	errMissingStorage  = errors.New("storage is required")
	errMissingNetwork  = errors.New("network is required")
	errInvalidResponse = errors.New("unexpected response")
)

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// Message is a control message posted to a worker.
type Message struct {
	Type string `json:"type"`
}

type State int

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Worker is one version of the offline cache logic.
// Its lifecycle is driven by a Registration.
type Worker struct {
	version            string
	partitions         PartitionSet
	network            Network
	keyer              cachekey.CacheKeyer
	classifier         classifier.Classifier
	criticalAssets     []string
	offlinePage        string
	skipWaiting        bool
	installConcurrency int
	networkTimeout     time.Duration
	notificationIcon   string
	log                zerolog.Logger
	metrics            *Metrics
	notifier           Notifier
	windows            Windows
	syncTasks          map[string]SyncTask
	handlers           map[EventKind]Handler

	mu            sync.Mutex
	state         State
	notifications map[string]Notification

	// held for reading by every cache write, and for writing while retiring
	writes sync.RWMutex

	// cache-first refreshes
	background tracker
}

func NewWorker(config Config) (*Worker, error) {
	config = config.withDefaults()
	if config.Storage == nil {
		return nil, errMissingStorage
	}
	if config.Network == nil {
		return nil, errMissingNetwork
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("version", config.Version).Logger()

	origin := config.OriginURL
	w := &Worker{
		version:    config.Version,
		partitions: NewPartitionSet(config.Storage, config.Partitions, config.Version),
		network:    config.Network,
		keyer:      cachekey.NewCacheKeyer(&origin),
		classifier: classifier.New(classifier.Config{
			Origin:    &origin,
			AllowList: config.AllowList,
			Rules:     config.Rules,
		}),
		criticalAssets:     config.CriticalAssets,
		offlinePage:        config.OfflinePage,
		skipWaiting:        !config.DisableSkipWaiting,
		installConcurrency: config.InstallConcurrency,
		networkTimeout:     config.NetworkTimeout,
		notificationIcon:   config.NotificationIcon,
		log:                logger,
		metrics:            config.Metrics,
		notifier:           config.Notifier,
		windows:            config.Windows,
		syncTasks:          map[string]SyncTask{SyncAnalytics: analyticsTask(logger)},
		notifications:      make(map[string]Notification),
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{Log: logger}
	}
	if w.windows == nil {
		w.windows = LogWindows{Log: logger}
	}
	for tag, task := range config.SyncTasks {
		w.syncTasks[tag] = task
	}
	w.handlers = map[EventKind]Handler{
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventFetch:             w.onFetch,
		EventMessage:           w.onMessage,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
		EventSync:              w.onSync,
	}
	return w, nil
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Worker state")
	}
}

func (w *Worker) Partitions() PartitionSet {
	return w.partitions
}

// On replaces the handler for kind.
func (w *Worker) On(kind EventKind, h Handler) {
	w.handlers[kind] = h
}

func (w *Worker) newEvent(ctx context.Context, kind EventKind) *Event {
	return NewEvent(ctx, kind, w.log)
}

// Dispatch runs the handler for the event. It does not wait for work
// registered with WaitUntil, see Event.Wait.
func (w *Worker) Dispatch(e *Event) error {
	h, ok := w.handlers[e.Kind]
	if !ok {
		e.Log.Trace().Msg("No handler")
		return nil
	}
	start := time.Now()
	defer func() { w.metrics.RecordEvent(e.Kind, time.Since(start)) }()
	return h(e)
}

// retire makes the worker redundant once its in-flight cache writes are done.
// Later writes are dropped, so partitions deleted after retire stay deleted.
func (w *Worker) retire() {
	w.writes.Lock()
	defer w.writes.Unlock()
	w.setState(StateRedundant)
}

// Idle waits for the background refreshes of the worker to finish.
func (w *Worker) Idle(ctx context.Context) error {
	return w.background.wait(ctx)
}

// onInstall stores all critical assets in the core partition, or none of them.
func (w *Worker) onInstall(e *Event) error {
	storage := w.partitions.Storage()
	coreName := w.partitions.Name(PurposeCore)
	existed, err := storage.Has(coreName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	e.WaitUntil(func(ctx context.Context) error {
		entries, err := w.fetchCriticalAssets(ctx)
		if err == nil {
			err = w.putAll(PurposeCore, entries)
		}
		if err != nil {
			if !existed {
				if _, delErr := storage.Delete(coreName); delErr != nil {
					e.Log.Warn().Err(delErr).Str("partition", coreName).Msg("Could not remove partial partition")
				}
			}
			w.metrics.RecordInstall(false)
			e.Log.Error().Err(err).Msg("Install failed")
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		w.metrics.RecordInstall(true)
		e.Log.Info().Int("assets", len(entries)).Str("partition", coreName).Msg("Installed")
		if w.skipWaiting {
			e.SkipWaiting()
		}
		return nil
	})
	return nil
}

// fetchCriticalAssets fetches every critical asset. The first failure cancels the rest.
func (w *Worker) fetchCriticalAssets(ctx context.Context) ([]cache.Entry, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)
	entries := make([]cache.Entry, len(w.criticalAssets))
	for i, asset := range w.criticalAssets {
		i, asset := i, asset
		g.Go(func() error {
			entry, err := w.fetchAsset(ctx, asset)
			if err != nil {
				return fmt.Errorf("%s: %w", asset, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	u, err := url.Parse(asset)
	if err != nil {
		return cache.Entry{}, err
	}
	abs := w.keyer.Absolute(u)
	if w.networkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.networkTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := w.fetchNetwork(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer res.Body.Close()
	// any ok response will do, as for runtime writes only 200 is stored
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, fmt.Errorf("%w: status %d", errInvalidResponse, res.StatusCode)
	}
	now := time.Now()
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{Response: res, StoredAt: now})
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: w.keyer.URLKey(abs), StoredAt: now, Bytes: bytes}, nil
}

func (w *Worker) putAll(purpose Purpose, entries []cache.Entry) error {
	p, err := w.partitions.Open(purpose)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := p.Put(entry); err != nil {
			return fmt.Errorf("could not store %s: %w", entry.Key, err)
		}
	}
	return nil
}

// onActivate removes the partitions of other versions and claims all clients.
func (w *Worker) onActivate(e *Event) error {
	e.WaitUntil(func(ctx context.Context) error {
		deleted, err := w.partitions.Evict()
		w.metrics.RecordPartitionsDeleted("evict", len(deleted))
		for _, name := range deleted {
			e.Log.Info().Str("partition", name).Msg("Deleted old cache")
		}
		e.Claim()
		return err
	})
	return nil
}

func (w *Worker) onFetch(e *Event) error {
	class, ok := w.classifier.Classify(classifier.FromHTTP(e.Request))
	if !ok {
		return nil
	}
	res, status, err := w.execute(e, class)
	e.RespondWith(res, status, err)
	return nil
}

func (w *Worker) onMessage(e *Event) error {
	switch e.Message.Type {
	case MessageSkipWaiting:
		e.SkipWaiting()
	case MessageClearCache:
		e.WaitUntil(func(ctx context.Context) error {
			deleted, err := w.partitions.Clear()
			w.metrics.RecordPartitionsDeleted("clear", len(deleted))
			e.Log.Info().Strs("partitions", deleted).Msg("Cleared caches")
			return err
		})
	default:
		e.Log.Debug().Str("type", e.Message.Type).Msg("Ignoring unknown message")
	}
	return nil
}

func (w *Worker) onPush(e *Event) error {
	payload, ok, err := parsePushPayload(e.Data)
	if err != nil {
		return err
	}
	if !ok {
		e.Log.Debug().Msg("Ignoring empty push")
		return nil
	}
	n := newNotification(payload, w.notificationIcon, time.Now())
	e.NotificationTag = n.Tag
	w.mu.Lock()
	w.notifications[n.Tag] = n
	w.mu.Unlock()
	e.WaitUntil(func(ctx context.Context) error {
		return w.notifier.Show(ctx, n)
	})
	return nil
}

func (w *Worker) onNotificationClick(e *Event) error {
	w.mu.Lock()
	n, ok := w.notifications[e.NotificationTag]
	delete(w.notifications, e.NotificationTag)
	w.mu.Unlock()
	page := "/"
	if ok {
		page = n.Data.URL
	}
	e.WaitUntil(func(ctx context.Context) error {
		if err := w.notifier.Close(ctx, e.NotificationTag); err != nil {
			return err
		}
		if e.Action != ActionExplore {
			return nil
		}
		return w.windows.OpenWindow(ctx, page)
	})
	return nil
}

func (w *Worker) onSync(e *Event) error {
	task, ok := w.syncTasks[e.Tag]
	if !ok {
		e.Log.Debug().Str("tag", e.Tag).Msg("Ignoring unknown sync tag")
		return nil
	}
	e.WaitUntil(task)
	return nil
}
