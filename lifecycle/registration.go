package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EventType identifies a lifecycle transition observable from outside
// the worker context.
type EventType string

const (
	EventInstalled       EventType = "installed"
	EventActivated       EventType = "activated"
	EventUpdateAvailable EventType = "update-available"
	EventRedundant       EventType = "redundant"
)

// Event is delivered to registration subscribers. The page-side client
// derives its read-only view of the lifecycle solely from these.
type Event struct {
	Type    EventType
	Version int
}

// Source produces the worker for the currently deployed version. It is
// consulted at registration and on every update check; returning a
// worker with the same version as the one already known means "no
// update".
type Source interface {
	NextWorker(ctx context.Context) (*Worker, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (*Worker, error)

func (f SourceFunc) NextWorker(ctx context.Context) (*Worker, error) {
	return f(ctx)
}

// Registration tracks the active worker and at most one newer installed
// worker waiting to take over. A waiting worker is never auto-activated:
// promotion requires an explicit SkipWaiting, since an uncoordinated
// swap could serve mismatched assets to pages already loaded.
type Registration struct {
	mu        sync.Mutex
	active    *Worker
	waiting   *Worker
	source    Source
	listeners []func(Event)
	log       zerolog.Logger
}

func NewRegistration(source Source, logger *zerolog.Logger) *Registration {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Registration{
		source: source,
		log:    log,
	}
}

// Subscribe adds a lifecycle event listener. Listeners are called
// synchronously in registration order.
func (r *Registration) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registration) emit(event Event) {
	r.mu.Lock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// Active returns the worker currently in control, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting for promotion, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// UpdateAvailable reports whether a newer worker version is installed
// and waiting.
func (r *Registration) UpdateAvailable() bool {
	return r.Waiting() != nil
}

// Register obtains the current worker version from the source and
// installs it. The first registration activates immediately; a
// registration alongside an already active worker parks the new version
// in Installed and flags the update instead.
func (r *Registration) Register(ctx context.Context) error {
	worker, err := r.source.NextWorker(ctx)
	if err != nil {
		return fmt.Errorf("obtaining worker: %w", err)
	}
	return r.adopt(ctx, worker)
}

// CheckForUpdate asks the source for the deployed version and installs
// it alongside the active worker if it is new. Callers treat errors as
// best-effort noise.
func (r *Registration) CheckForUpdate(ctx context.Context) error {
	worker, err := r.source.NextWorker(ctx)
	if err != nil {
		return fmt.Errorf("checking for update: %w", err)
	}
	return r.adopt(ctx, worker)
}

func (r *Registration) adopt(ctx context.Context, worker *Worker) error {
	if worker == nil {
		return nil
	}
	r.mu.Lock()
	if (r.active != nil && r.active.Version() == worker.Version()) ||
		(r.waiting != nil && r.waiting.Version() == worker.Version()) {
		r.mu.Unlock()
		return nil
	}
	hasActive := r.active != nil
	r.mu.Unlock()

	// Install failure is fatal to this version only; any previously
	// active worker keeps serving.
	if err := worker.Install(ctx); err != nil {
		return err
	}
	r.emit(Event{Type: EventInstalled, Version: worker.Version()})

	if !hasActive {
		if err := worker.Activate(ctx); err != nil {
			return err
		}
		r.mu.Lock()
		r.active = worker
		r.mu.Unlock()
		r.emit(Event{Type: EventActivated, Version: worker.Version()})
		return nil
	}

	r.mu.Lock()
	previous := r.waiting
	r.waiting = worker
	r.mu.Unlock()
	if previous != nil {
		previous.setRedundant()
		r.emit(Event{Type: EventRedundant, Version: previous.Version()})
	}
	r.log.Info().Int("version", worker.Version()).Msg("New worker version installed and waiting")
	r.emit(Event{Type: EventUpdateAvailable, Version: worker.Version()})
	return nil
}

// SkipWaiting promotes the waiting worker: it activates (running its
// cleanup), takes control, and the previous worker becomes Redundant.
// A no-op when nothing is waiting.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	worker := r.waiting
	r.mu.Unlock()
	if worker == nil {
		return nil
	}

	if err := worker.Activate(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = worker
	r.waiting = nil
	r.mu.Unlock()

	if previous != nil {
		previous.setRedundant()
		r.emit(Event{Type: EventRedundant, Version: previous.Version()})
	}
	r.emit(Event{Type: EventActivated, Version: worker.Version()})
	return nil
}
