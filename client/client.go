package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/offline-cache/offline-cache/control"
	"github.com/offline-cache/offline-cache/lifecycle"

	"github.com/rs/zerolog"
)

type Config struct {
	// Register obtains the worker registration. Nil means the hosting
	// environment has no offline support; the controller then stays in
	// its not-installed state without complaint.
	Register func(ctx context.Context) (*lifecycle.Registration, error)
	// Reload restarts the hosting application to pick up a newly
	// activated worker. The controller guarantees SKIP_WAITING is sent
	// before Reload runs. Nil is tolerated.
	Reload func()
	// Interval between best-effort update checks. An hour if zero.
	PollInterval time.Duration
	// ProbeURL, when set, is fetched periodically to derive
	// connectivity events for deployments with no external event
	// source.
	ProbeURL      string
	ProbeInterval time.Duration
	Logger        *zerolog.Logger
}

// Controller is the application-side counterpart of the worker. It holds
// a read-only mirror of the worker lifecycle (fed by lifecycle events),
// tracks connectivity, and exposes the only surface the rest of the
// application may depend on: IsSupported, IsInstalled, IsOnline,
// UpdateAvailable, ApplyUpdate, CacheForOffline.
type Controller struct {
	cfg Config
	log zerolog.Logger

	mu              sync.Mutex
	reg             *lifecycle.Registration
	installed       bool
	updateAvailable bool
	online          bool
	wasOffline      bool
	lastOnlineAt    time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	var log zerolog.Logger
	if cfg.Logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *cfg.Logger
	}
	return &Controller{
		cfg:    cfg,
		log:    log,
		online: true,
		stop:   make(chan struct{}),
	}
}

// Register attempts worker registration. Every failure, including an
// unsupported environment, is absorbed here: offline caching is an
// enhancement, and the application degrades to "no offline support"
// rather than crash.
func (c *Controller) Register(ctx context.Context) {
	if c.cfg.Register == nil {
		c.log.Debug().Msg("Offline caching not supported here")
		return
	}
	reg, err := c.cfg.Register(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Worker registration failed, continuing without offline support")
		return
	}
	reg.Subscribe(c.onLifecycleEvent)
	if err := reg.Register(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Worker install failed, continuing without offline support")
		return
	}

	c.mu.Lock()
	c.reg = reg
	c.installed = true
	c.mu.Unlock()

	go c.pollUpdates(ctx)
	if c.cfg.ProbeURL != "" {
		go c.probeConnectivity(ctx)
	}
}

// Close stops the background loops.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Controller) onLifecycleEvent(event lifecycle.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Type {
	case lifecycle.EventUpdateAvailable:
		c.updateAvailable = true
	case lifecycle.EventActivated:
		c.updateAvailable = false
	}
}

func (c *Controller) IsSupported() bool {
	return c.cfg.Register != nil
}

func (c *Controller) IsInstalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

func (c *Controller) UpdateAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateAvailable
}

// ApplyUpdate is the only way to flip the active worker. If a new
// version is waiting it is promoted via SKIP_WAITING and the application
// reloads; with nothing waiting it just reloads. Safe to call
// repeatedly, and never fails loudly.
func (c *Controller) ApplyUpdate(ctx context.Context) {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()

	if reg != nil && reg.Waiting() != nil {
		if err := control.Dispatch(ctx, control.Message{Type: control.TypeSkipWaiting}, reg); err != nil {
			c.log.Warn().Err(err).Msg("Could not promote waiting worker")
		}
	}
	if c.cfg.Reload != nil {
		c.cfg.Reload()
	}
}

// CacheForOffline pushes content into the course store so it is
// available offline. Best-effort: every failure is swallowed, since a
// missed push only means the content stays online-only.
func (c *Controller) CacheForOffline(ctx context.Context, courseID string, payload any) {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()
	if reg == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Debug().Err(err).Str("courseId", courseID).Msg("Could not marshal offline content")
		return
	}
	msg := control.Message{Type: control.TypeCacheCourse, CourseID: courseID, CourseData: data}
	if err := control.Dispatch(ctx, msg, reg); err != nil {
		c.log.Debug().Err(err).Str("courseId", courseID).Msg("Could not cache content for offline")
	}
}

// SetOnline feeds a connectivity event. The offline→online transition
// latches wasOffline so the UI can show a one-shot "back online" notice.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if online && !c.online {
		c.wasOffline = true
	}
	if online {
		c.lastOnlineAt = time.Now()
	}
	c.online = online
}

func (c *Controller) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Controller) WasOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasOffline
}

// ClearWasOffline acknowledges the one-shot back-online notice.
func (c *Controller) ClearWasOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wasOffline = false
}

// LastOnlineAt returns when the controller last saw the network, if
// ever.
func (c *Controller) LastOnlineAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOnlineAt, !c.lastOnlineAt.IsZero()
}

// pollUpdates periodically asks the registration to check for a new
// worker version. Failures are ignored.
func (c *Controller) pollUpdates(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			reg := c.reg
			c.mu.Unlock()
			if reg == nil {
				continue
			}
			if err := reg.CheckForUpdate(ctx); err != nil {
				c.log.Debug().Err(err).Msg("Update check failed")
			}
		}
	}
}

// probeConnectivity derives online/offline events from a periodic HEAD
// request against the origin.
func (c *Controller) probeConnectivity(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.ProbeURL, nil)
			if err != nil {
				continue
			}
			res, err := http.DefaultClient.Do(req)
			if err == nil {
				res.Body.Close()
			}
			c.SetOnline(err == nil)
		}
	}
}
