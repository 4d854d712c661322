package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Step names, also used as the source label of fetch metrics.
const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceOffline = "offline"
	sourceNone    = "error"
)

// A source yields a usable response, nothing (nil, nil) or an error.
type source func(ctx context.Context) (*http.Response, error)

type step struct {
	name   string
	source source
	// zero means no timeout
	timeout time.Duration
}

// plan is an ordered list of attempts, evaluated until one yields a response.
type plan []step

func (p plan) run(ctx context.Context) (*http.Response, string, error) {
	var errs []error
	for _, s := range p {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		res, err := s.source(stepCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		if res != nil {
			return res, s.name, nil
		}
	}
	if len(errs) == 0 {
		return nil, sourceNone, ErrFetchFailed
	}
	return nil, sourceNone, fmt.Errorf("%w: %w", ErrFetchFailed, errors.Join(errs...))
}

// fetch is the state of one intercepted request.
type fetch struct {
	event    *Event
	req      *http.Request
	key      string
	purpose  Purpose
	document bool
	// set when the network response was written to the partition
	stored bool
}

// execute runs the strategy for class and returns the response for the page.
func (w *Worker) execute(e *Event, class classifier.Class) (*http.Response, cachestatus.CacheStatus, error) {
	status := cachestatus.CacheStatus{Detail: string(class)}
	key, err := w.keyer.GetKey(e.Request)
	if err != nil {
		status.Forward(cachestatus.FwdMethod)
		return nil, status, err
	}
	f := &fetch{
		event:    e,
		req:      e.Request,
		key:      key,
		document: classifier.FromHTTP(e.Request).IsDocument(),
	}
	e.Log = e.Log.With().Str("key", key).Str("class", string(class)).Logger()

	var p plan
	switch class {
	case classifier.CoreCacheFirst, classifier.FontCacheFirst:
		f.purpose = PurposeCore
		p = w.cacheFirst(f)
	case classifier.ImageStaleRevalidate:
		f.purpose = PurposeImages
		p = w.staleWhileRevalidate(f)
	default:
		f.purpose = PurposeRuntime
		p = w.networkFirst(f)
	}

	res, source, err := p.run(e.Context())
	switch source {
	case sourceCache:
		status.Hit()
	case sourceOffline:
		status.Hit()
		status.Detail = "offline-page"
	case sourceNetwork:
		if class == classifier.RuntimeNetworkFirst || class == classifier.FallbackNetworkFirst {
			status.Forward(cachestatus.FwdRequest)
		} else {
			status.Forward(cachestatus.FwdUriMiss)
		}
		status.Stored = f.stored
	default:
		status.Forward(cachestatus.FwdUriMiss)
	}
	w.metrics.RecordFetch(string(class), source)
	e.Log.Trace().Str("source", source).Err(err).Msg("Strategy done")
	return res, status, err
}

// cacheFirst serves from the partition and refreshes it in the background,
// falling back to the network and then the offline page.
func (w *Worker) cacheFirst(f *fetch) plan {
	return plan{
		w.cacheStep(f, false, func() { w.refresh(f) }),
		w.networkStep(f),
		w.offlineStep(f),
	}
}

// networkFirst asks the network, falling back to any stored copy and then the offline page.
// Non-200 network responses are returned as they are.
func (w *Worker) networkFirst(f *fetch) plan {
	return plan{
		w.networkStep(f),
		w.cacheStep(f, true, nil),
		w.offlineStep(f),
	}
}

// staleWhileRevalidate starts the network fetch right away, serves the stored
// copy if there is one, and otherwise waits for the network.
// The fetch is registered on the event, a 200 result is stored.
func (w *Worker) staleWhileRevalidate(f *fetch) plan {
	type networkResult struct {
		res    *http.Response
		stored bool
		err    error
	}
	results := make(chan networkResult, 1)
	req := f.req.Clone(context.WithoutCancel(f.req.Context()))
	f.event.WaitUntil(func(ctx context.Context) error {
		res, err := w.fetchNetwork(ctx, req)
		result := networkResult{res: res, err: err}
		if err == nil && res.StatusCode == http.StatusOK {
			// store before handing out, the response body is not safe for concurrent use
			result.stored = w.store(f.purpose, f.key, res, f.event.Log)
		} else if err != nil {
			f.event.Log.Debug().Err(err).Msg("Could not revalidate")
		}
		results <- result
		return nil
	})
	return plan{
		w.cacheStep(f, false, nil),
		{
			name:    sourceNetwork,
			timeout: w.networkTimeout,
			source: func(ctx context.Context) (*http.Response, error) {
				select {
				case result := <-results:
					f.stored = result.stored
					return result.res, result.err
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	}
}

func (w *Worker) networkStep(f *fetch) step {
	return step{
		name:    sourceNetwork,
		timeout: w.networkTimeout,
		source: func(ctx context.Context) (*http.Response, error) {
			res, err := w.fetchNetwork(ctx, f.req)
			if err != nil {
				f.event.Log.Debug().Err(err).Msg("Network unavailable")
				return nil, err
			}
			if res.StatusCode == http.StatusOK {
				f.stored = w.store(f.purpose, f.key, res, f.event.Log)
			}
			return res, nil
		},
	}
}

// cacheStep looks up the request in its partition, or in every current partition.
// onHit, if set, is called when a stored response is found.
func (w *Worker) cacheStep(f *fetch, everywhere bool, onHit func()) step {
	return step{
		name: sourceCache,
		source: func(ctx context.Context) (*http.Response, error) {
			var (
				entry cache.Entry
				ok    bool
				err   error
			)
			if everywhere {
				entry, ok, err = w.partitions.Match(f.key, f.purpose)
			} else {
				entry, ok, err = w.partitions.MatchIn(f.purpose, f.key)
			}
			if err != nil || !ok {
				return nil, err
			}
			res, err := storedResponse(entry, f.req)
			if err != nil {
				return nil, err
			}
			if onHit != nil {
				onHit()
			}
			return res, nil
		},
	}
}

// offlineStep serves the offline page to document requests.
func (w *Worker) offlineStep(f *fetch) step {
	return step{
		name: sourceOffline,
		source: func(ctx context.Context) (*http.Response, error) {
			if !f.document {
				return nil, nil
			}
			entry, ok, err := w.partitions.Match(w.offlineKey(), PurposeCore)
			if err != nil || !ok {
				return nil, err
			}
			return storedResponse(entry, f.req)
		},
	}
}

func (w *Worker) offlineKey() string {
	return w.keyer.URLKey(&url.URL{Path: w.offlinePage})
}

// refresh updates the stored response in the background.
// It is not tied to the event, so it may be dropped if the worker shuts down first.
// The request is rebuilt from the key, client headers are not sent along.
func (w *Worker) refresh(f *fetch) {
	log := f.event.Log
	req, err := w.keyer.GetRequestFromKey(context.WithoutCancel(f.req.Context()), f.key)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot refresh")
		return
	}
	w.background.start()
	go func() {
		defer w.background.done()
		res, err := w.fetchNetwork(req.Context(), req)
		if err != nil {
			log.Trace().Err(err).Msg("Background refresh failed")
			return
		}
		if res.StatusCode == http.StatusOK {
			w.store(f.purpose, f.key, res, log)
		}
		res.Body.Close()
	}()
}

// fetchNetwork fetches the request and reads the whole body,
// so the response stays usable after ctx is done.
func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := serializer.Buffer(res); err != nil {
		return nil, err
	}
	return res, nil
}

// store writes the response into the partition for purpose.
// Failures are logged and reported as false, they never fail the response.
// Only the active worker writes: a retired one would recreate evicted partitions.
func (w *Worker) store(purpose Purpose, key string, res *http.Response, log zerolog.Logger) bool {
	w.writes.RLock()
	defer w.writes.RUnlock()
	if state := w.State(); state != StateActive {
		log.Debug().Str("state", state.String()).Msg("Dropping cache write")
		return false
	}
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err == nil {
		var p cache.Partition
		if p, err = w.partitions.Open(purpose); err == nil {
			err = p.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bytes})
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("partition", w.partitions.Name(purpose)).Msg("Could not write to cache")
		w.metrics.RecordWriteError(string(purpose))
		return false
	}
	log.Trace().Str("partition", w.partitions.Name(purpose)).Msg("Cache write")
	return true
}

func storedResponse(entry cache.Entry, req *http.Request) (*http.Response, error) {
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes, req)
	if err != nil {
		return nil, fmt.Errorf("corrupted cache entry %s: %w", entry.Key, err)
	}
	return sRes.Response, nil
}
