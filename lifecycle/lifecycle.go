package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
	"github.com/offline-cache/offline-cache/store"
	"github.com/offline-cache/offline-cache/strategy"

	"github.com/rs/zerolog"
)

// Phase is a worker version's position in its lifecycle. Transitions
// only ever move forward; Redundant is terminal.
type Phase int32

const (
	PhaseNew Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	PhaseRedundant
)

func (p Phase) String() string {
	switch p {
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActivated:
		return "activated"
	case PhaseRedundant:
		return "redundant"
	default:
		return "new"
	}
}

// ErrInstallFailed marks a fatal install: a mandatory asset could not be
// primed, and this worker version will never serve.
var ErrInstallFailed = errors.New("install failed")

type WorkerConfig struct {
	Version int
	// Registry bound to this worker's version.
	Registry *store.Registry
	// Engine bound to the same registry.
	Engine *strategy.Engine
	// URL of the origin server, used for install-time priming.
	OriginURL url.URL
	// Manifest of critical asset paths fetched and cached during
	// install. Deployment configuration, never inferred.
	Manifest []string
	// Client for priming fetches; http.DefaultClient if nil.
	Client *http.Client
	Logger *zerolog.Logger
}

// Worker is one version of the offline caching worker. It owns its
// lifecycle state exclusively; everything outside the lifecycle package
// observes phases through events or the read accessors.
type Worker struct {
	version  int
	registry *store.Registry
	engine   *strategy.Engine
	origin   url.URL
	manifest []string
	client   *http.Client
	phase    atomic.Int32
	log      zerolog.Logger
}

func NewWorker(config WorkerConfig) *Worker {
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Worker{
		version:  config.Version,
		registry: config.Registry,
		engine:   config.Engine,
		origin:   config.OriginURL,
		manifest: config.Manifest,
		client:   client,
		log:      logger.With().Int("version", config.Version).Logger(),
	}
}

func (w *Worker) Version() int {
	return w.version
}

func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

func (w *Worker) Registry() *store.Registry {
	return w.registry
}

func (w *Worker) Engine() *strategy.Engine {
	return w.engine
}

// Install primes the static store with the manifest of critical assets.
// Priming is atomic: every asset is fetched first, and nothing is
// written unless all of them succeeded. On any failure the worker never
// reaches Installed.
func (w *Worker) Install(ctx context.Context) error {
	w.phase.Store(int32(PhaseInstalling))
	w.log.Debug().Strs("manifest", w.manifest).Msg("Installing: priming static store")

	primed := make(map[string]serializer.CachedResponse, len(w.manifest))
	for _, path := range w.manifest {
		res, err := w.prime(ctx, path)
		if err != nil {
			w.log.Error().Err(err).Str("path", path).Msg("Mandatory asset unfetchable, aborting install")
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, path, err)
		}
		primed[path] = res
	}
	for path, res := range primed {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, path, err)
		}
		if err := w.registry.PutRequest(store.PurposeStatic, req, res); err != nil {
			return fmt.Errorf("%w: storing %s: %v", ErrInstallFailed, path, err)
		}
	}

	w.phase.Store(int32(PhaseInstalled))
	w.log.Info().Int("assets", len(primed)).Msg("Installed")
	return nil
}

// Activate reclaims stale cache stores and takes control. Cleanup on
// activation is the only place whole stores are deleted, and it runs
// strictly after installation completed.
func (w *Worker) Activate(ctx context.Context) error {
	switch w.Phase() {
	case PhaseInstalled, PhaseActivating, PhaseActivated:
		// repeated activation re-runs the idempotent cleanup
	default:
		return fmt.Errorf("cannot activate worker in phase %s", w.Phase())
	}
	w.phase.Store(int32(PhaseActivating))

	deleted, err := w.registry.DeleteStaleVersions()
	if err != nil {
		// leave the worker in Activating; an activation retry re-runs
		// the idempotent cleanup
		return fmt.Errorf("activation cleanup: %w", err)
	}
	if len(deleted) > 0 {
		w.log.Info().Strs("stores", deleted).Msg("Deleted stale cache stores")
	}

	w.phase.Store(int32(PhaseActivated))
	w.log.Info().Msg("Activated")
	return nil
}

func (w *Worker) setRedundant() {
	w.phase.Store(int32(PhaseRedundant))
	w.log.Debug().Msg("Worker is redundant")
}

// prime fetches one manifest path from the origin. A non-success status
// counts as unfetchable.
func (w *Worker) prime(ctx context.Context, path string) (serializer.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.origin.String()+path, nil)
	if err != nil {
		return serializer.CachedResponse{}, err
	}
	res, err := w.client.Do(req)
	if err != nil {
		return serializer.CachedResponse{}, err
	}
	cached, err := serializer.FromResponse(res)
	if err != nil {
		return serializer.CachedResponse{}, err
	}
	if !serializer.IsStorable(cached.Status) {
		return serializer.CachedResponse{}, fmt.Errorf("status %d", cached.Status)
	}
	return cached, nil
}
