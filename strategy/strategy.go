package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	classifier "github.com/offline-cache/offline-cache/pkg/route-classifier"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
	"github.com/offline-cache/offline-cache/store"

	"github.com/rs/zerolog"
)

// Source names where a response was ultimately served from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Outcome is the result of running a strategy for one request.
type Outcome struct {
	Response serializer.CachedResponse
	Source   Source
	// Stored indicates the response was also written to a cache store.
	Stored bool
}

type Config struct {
	Registry *store.Registry
	// URL of the origin server.
	OriginURL url.URL
	// Offline fallback document, served when a navigation (or a cold
	// course page) fails with no cached alternative.
	OfflinePage serializer.CachedResponse
	// Client used for origin fetches. A redirect-preserving default is
	// used if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Engine executes the caching strategies against the cache store
// registry and the network. Each intercepted request runs independently;
// concurrent executions may interleave store writes, and the same key is
// last-writer-wins.
type Engine struct {
	registry *store.Registry
	origin   url.URL
	offline  serializer.CachedResponse
	client   *http.Client
	log      zerolog.Logger
}

func NewEngine(config Config) *Engine {
	client := config.Client
	if client == nil {
		client = &http.Client{
			// do not follow redirects; redirect responses are returned
			// to the caller as-is and are never stored
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Engine{
		registry: config.Registry,
		origin:   config.OriginURL,
		offline:  config.OfflinePage,
		client:   client,
		log:      logger.With().Str("origin", config.OriginURL.String()).Logger(),
	}
}

// Do runs the strategy for the given route class. The returned error is
// a genuine request failure: no cached entry and no applicable fallback.
func (e *Engine) Do(ctx context.Context, r *http.Request, class classifier.RouteClass) (Outcome, error) {
	switch class {
	case classifier.ClassApi:
		return e.networkFirst(ctx, r)
	case classifier.ClassStaticAsset:
		return e.cacheFirst(ctx, r)
	case classifier.ClassCoursePage:
		return e.cacheFirstWithRefresh(ctx, r)
	case classifier.ClassNavigation:
		return e.navigationWithOffline(ctx, r)
	default:
		return e.networkFirst(ctx, r)
	}
}

// networkFirst serves Api and Other requests: live response when the
// network works, runtime cache when it does not, a real error when both
// fail. Never a synthesized success.
func (e *Engine) networkFirst(ctx context.Context, r *http.Request) (Outcome, error) {
	res, fetchErr := e.fetch(ctx, r)
	if fetchErr == nil {
		stored := false
		if r.Method == http.MethodGet && serializer.IsStorable(res.Status) {
			stored = e.save(store.PurposeRuntime, r, res)
		}
		return Outcome{Response: res, Source: SourceNetwork, Stored: stored}, nil
	}
	// non-GET requests pass straight through with no cache fallback
	if r.Method != http.MethodGet {
		return Outcome{}, fetchErr
	}
	if cached, ok := e.lookup(store.PurposeRuntime, r); ok {
		return Outcome{Response: cached, Source: SourceCache}, nil
	}
	return Outcome{}, fetchErr
}

// cacheFirst serves static assets: the cached copy wins, the network
// fills misses, and there is no further fallback.
func (e *Engine) cacheFirst(ctx context.Context, r *http.Request) (Outcome, error) {
	if cached, ok := e.lookup(store.PurposeStatic, r); ok {
		return Outcome{Response: cached, Source: SourceCache}, nil
	}
	res, err := e.fetch(ctx, r)
	if err != nil {
		return Outcome{}, err
	}
	stored := false
	if serializer.IsStorable(res.Status) {
		stored = e.save(store.PurposeStatic, r, res)
	}
	return Outcome{Response: res, Source: SourceNetwork, Stored: stored}, nil
}

// cacheFirstWithRefresh serves course pages: a cached entry is returned
// immediately while a background fetch refreshes it for next time. The
// caller never waits on the refresh, and refresh failures are swallowed
// since a response has already been served.
func (e *Engine) cacheFirstWithRefresh(ctx context.Context, r *http.Request) (Outcome, error) {
	if cached, ok := e.lookup(store.PurposeCourse, r); ok {
		go e.refresh(r)
		return Outcome{Response: cached, Source: SourceCache}, nil
	}
	res, err := e.fetch(ctx, r)
	if err != nil {
		e.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Course page unreachable with cold cache, serving offline page")
		return Outcome{Response: e.offline, Source: SourceOffline}, nil
	}
	stored := false
	if serializer.IsStorable(res.Status) {
		stored = e.save(store.PurposeCourse, r, res)
	}
	return Outcome{Response: res, Source: SourceNetwork, Stored: stored}, nil
}

// navigationWithOffline serves top-level page loads: live when possible,
// the previously cached navigation when not, and the offline fallback
// document as a last resort.
func (e *Engine) navigationWithOffline(ctx context.Context, r *http.Request) (Outcome, error) {
	res, err := e.fetch(ctx, r)
	if err == nil {
		stored := false
		if serializer.IsStorable(res.Status) {
			stored = e.save(store.PurposeRuntime, r, res)
		}
		return Outcome{Response: res, Source: SourceNetwork, Stored: stored}, nil
	}
	if cached, ok := e.lookup(store.PurposeRuntime, r); ok {
		return Outcome{Response: cached, Source: SourceCache}, nil
	}
	e.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Navigation unreachable with no cached copy, serving offline page")
	return Outcome{Response: e.offline, Source: SourceOffline}, nil
}

// refresh re-fetches a course page and overwrites its cache entry.
// Detached from the requesting context on purpose: the caller has
// already been answered, so its cancellation must not abort the write.
func (e *Engine) refresh(r *http.Request) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, r.URL.RequestURI(), nil)
	if err != nil {
		return
	}
	req.Header = r.Header.Clone()
	res, err := e.fetch(context.Background(), req)
	if err != nil {
		e.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Background refresh failed")
		return
	}
	if !serializer.IsStorable(res.Status) {
		return
	}
	if err := e.registry.PutRequest(store.PurposeCourse, req, res); err != nil {
		e.log.Warn().Err(err).Str("path", r.URL.Path).Msg("Could not write refreshed entry")
	}
}

// fetch performs the origin request and buffers the response. A
// cancelled context surfaces as an ordinary fetch error, so aborts fall
// through the same fallback chain as network failures.
func (e *Engine) fetch(ctx context.Context, r *http.Request) (serializer.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, e.origin.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return serializer.CachedResponse{}, fmt.Errorf("building origin request: %w", err)
	}
	copyHeader(req.Header, r.Header)
	req.Host = e.origin.Host
	res, err := e.client.Do(req)
	if err != nil {
		return serializer.CachedResponse{}, err
	}
	return serializer.FromResponse(res)
}

// lookup reads a cached entry; store errors degrade to a miss.
func (e *Engine) lookup(purpose string, r *http.Request) (serializer.CachedResponse, bool) {
	cached, ok, err := e.registry.GetRequest(purpose, r)
	if err != nil {
		e.log.Warn().Err(err).Str("store", purpose).Str("path", r.URL.Path).Msg("Could not read from cache")
		return serializer.CachedResponse{}, false
	}
	return cached, ok
}

// save writes an already-served response; write errors are logged but do
// not fail the request, since the requester has its response.
func (e *Engine) save(purpose string, r *http.Request, res serializer.CachedResponse) bool {
	if err := e.registry.PutRequest(purpose, r, res); err != nil {
		e.log.Error().Err(err).Str("store", purpose).Str("path", r.URL.Path).Msg("Could not write to cache")
		return false
	}
	e.log.Trace().Str("store", purpose).Str("path", r.URL.Path).Msg("Cache write")
	return true
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
