package offlinecache

import (
	"context"
	"net/http"
	"net/url"

	"github.com/offline-cache/offline-cache/lifecycle"
	classifier "github.com/offline-cache/offline-cache/pkg/route-classifier"
	"github.com/offline-cache/offline-cache/store"
	"github.com/offline-cache/offline-cache/strategy"

	"github.com/rs/zerolog"
)

type Config struct {
	// Storage for cache entries. An in-memory provider is used if nil.
	Provider store.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Version token of the deployed worker. Bumped on every deploy that
	// changes cached contents; activation deletes stores carrying any
	// other version.
	Version int
	// Classification rules; zero value gets defaults.
	Rules classifier.Rules
	// Manifest of critical assets primed at install.
	Manifest []string
	// Optional source override for obtaining worker versions. When nil,
	// a source built from this config is used, meaning update checks
	// always see the same version.
	Source lifecycle.Source
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// DefaultManifest is the priming manifest used when none is configured:
// the home shell, the offline fallback route, the web manifest and the
// app icons.
var DefaultManifest = []string{
	"/",
	"/offline",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// OfflineCache is the worker front-end: it intercepts every request of
// the application, classifies it, and answers it through the strategy
// engine of the active worker version.
type OfflineCache struct {
	registration *lifecycle.Registration
	rules        classifier.Rules
	log          zerolog.Logger
}

// CreateCache initializes the offline-cache instance. The returned
// instance serves nothing until Register has installed and activated a
// worker version.
func CreateCache(config Config) *OfflineCache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.Provider == nil {
		config.Provider = store.NewMemStore()
	}
	if len(config.Manifest) == 0 {
		config.Manifest = DefaultManifest
	}
	config.Rules = config.Rules.Normalize()

	source := config.Source
	if source == nil {
		source = configSource(config, logger)
	}

	return &OfflineCache{
		registration: lifecycle.NewRegistration(source, &logger),
		rules:        config.Rules,
		log:          logger,
	}
}

// configSource builds worker versions from a static configuration.
func configSource(config Config, logger zerolog.Logger) lifecycle.Source {
	return lifecycle.SourceFunc(func(ctx context.Context) (*lifecycle.Worker, error) {
		registry := store.NewRegistry(config.Provider, config.Version)
		engine := strategy.NewEngine(strategy.Config{
			Registry:    registry,
			OriginURL:   config.OriginURL,
			OfflinePage: OfflinePage(),
			Logger:      &logger,
		})
		return lifecycle.NewWorker(lifecycle.WorkerConfig{
			Version:   config.Version,
			Registry:  registry,
			Engine:    engine,
			OriginURL: config.OriginURL,
			Manifest:  config.Manifest,
			Logger:    &logger,
		}), nil
	})
}

// Register installs and activates the configured worker version.
func (o *OfflineCache) Register(ctx context.Context) error {
	return o.registration.Register(ctx)
}

// Registration exposes the worker registration for the control channel
// and the client controller.
func (o *OfflineCache) Registration() *lifecycle.Registration {
	return o.registration
}

// ServeHTTP implements the http.Handler interface.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	worker := o.registration.Active()
	if worker == nil || worker.Phase() != lifecycle.PhaseActivated {
		http.Error(w, "offline worker not active", http.StatusServiceUnavailable)
		return
	}

	class := classifier.Classify(r, o.rules)
	outcome, err := worker.Engine().Do(r.Context(), r, class)
	if err != nil {
		w.Header().Add("Cache-Status", "Offline-Worker; fwd=error")
		o.logRequest(r, class, "error", http.StatusBadGateway)
		http.Error(w, "could not reach origin", http.StatusBadGateway)
		return
	}

	w.Header().Add("Cache-Status", cacheStatus(outcome))
	if err := outcome.Response.WriteTo(w); err != nil {
		o.log.Error().Err(err).Msg("Could not write response body to client")
	}
	o.logRequest(r, class, string(outcome.Source), outcome.Response.Status)
}

func cacheStatus(outcome strategy.Outcome) string {
	switch outcome.Source {
	case strategy.SourceCache:
		return "Offline-Worker; hit"
	case strategy.SourceOffline:
		return "Offline-Worker; fwd=offline"
	default:
		status := "Offline-Worker; fwd=miss"
		if outcome.Stored {
			status += "; stored"
		}
		return status
	}
}

func (o *OfflineCache) logRequest(r *http.Request, class classifier.RouteClass, source string, status int) {
	isHit := 0
	if source == string(strategy.SourceCache) {
		isHit = 1
	}
	o.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("class", string(class)).
		Str("source", source).
		Int("status", status).
		Int("hit", isHit).
		Msg("Sending response to client")
}
