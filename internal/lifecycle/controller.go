package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/laprincesa/almabot/internal/connection"
	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/event"
	"github.com/laprincesa/almabot/internal/logging"
	"github.com/laprincesa/almabot/internal/pairing"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultInitTimeout = 90 * time.Second
	DefaultRetryDelay  = 2 * time.Second
	DefaultEventBuffer = 64
)

// errStartCanceled is returned to callers of a Start that was overtaken by
// Stop before its handle was initialized.
var errStartCanceled = errors.New("start canceled by stop")

// Wiper clears persisted session state. session.Store implements it.
type Wiper interface {
	Wipe() error
	Dir() string
}

// Config configures a Controller.
type Config struct {
	// Factory builds connection handles. Required.
	Factory connection.Factory
	// Store is wiped after a logout disconnect. Optional; without it a
	// logout only reconnects.
	Store Wiper
	// Bus receives lifecycle events. Optional.
	Bus *event.Bus
	// Logger is optional.
	Logger *logging.Logger

	// InitTimeout bounds one handle's Initialize.
	InitTimeout time.Duration
	// RetryDelay is the fixed delay before restarting after a disconnect.
	RetryDelay time.Duration
	// HeartbeatInterval enables the read-only heartbeat when positive.
	HeartbeatInterval time.Duration
	// EventBuffer is the capacity of the ordered event channel.
	EventBuffer int
	// Render turns a pairing challenge into a PNG. Defaults to pairing.Render.
	Render func(raw string) ([]byte, error)
}

// Controller owns the connection handle and the pairing cache.
type Controller struct {
	factory connection.Factory
	store   Wiper
	bus     *event.Bus
	logger  *logging.Logger
	cache   *pairing.Cache
	render  func(string) ([]byte, error)

	initTimeout time.Duration
	retryDelay  time.Duration

	baseCtx  context.Context
	cancel   context.CancelFunc
	events   chan connection.Event
	loopDone chan struct{}
	hbDone   chan struct{}

	flight    singleflight.Group
	restartMu sync.Mutex

	// current is the generation whose events are accepted; 0 accepts none.
	// Written under mu, read lock-free by sinks.
	current atomic.Uint64

	mu           sync.Mutex
	state        State
	since        time.Time
	gen          uint64 // last generation issued
	handle       connection.Handle
	initializing bool
	initCancel   context.CancelFunc
	initAbort    error         // set when the handle disconnects mid-Initialize
	inflight     chan struct{} // closed when the running start settles
	stopEpoch    uint64
	rawState     string
	lastErr      error
	retryTimer   *time.Timer
	retrySeq     uint64
	pendingWipe  chan struct{} // closed when the running wipe finishes
	closed       bool
}

// New creates a Controller in IDLE and starts its event loop (and heartbeat,
// if enabled). Call Close to release them.
func New(cfg Config) (*Controller, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("lifecycle: factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Render == nil {
		cfg.Render = pairing.Render
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		factory:     cfg.Factory,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      cfg.Logger.WithComponent("lifecycle"),
		cache:       pairing.NewCache(),
		render:      cfg.Render,
		initTimeout: cfg.InitTimeout,
		retryDelay:  cfg.RetryDelay,
		baseCtx:     ctx,
		cancel:      cancel,
		events:      make(chan connection.Event, cfg.EventBuffer),
		loopDone:    make(chan struct{}),
		state:       StateIdle,
		since:       time.Now(),
	}

	go c.loop()
	if cfg.HeartbeatInterval > 0 {
		c.hbDone = make(chan struct{})
		go c.heartbeat(cfg.HeartbeatInterval)
	}
	return c, nil
}

// Start brings up a connection handle. Concurrent callers share one
// initialization and all receive its result. If a handle is already live
// Start returns nil without doing anything.
//
// ctx only bounds how long the caller waits; the initialization itself runs
// under the controller's own context and InitTimeout, so an impatient caller
// does not abort it for everyone else.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.ErrControllerClosed
	}

	ch := c.flight.DoChan("start", func() (any, error) {
		return nil, c.start()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrControllerClosed
	}
	if c.handle != nil {
		c.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	c.inflight = done
	defer func() {
		c.mu.Lock()
		if c.inflight == done {
			c.inflight = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	epoch := c.stopEpoch
	c.cancelRetryLocked()
	out := []event.Event{c.transitionLocked(StateIdle)}
	wipe := c.pendingWipe
	c.mu.Unlock()
	c.publish(out...)

	if wipe != nil {
		c.logger.Debug("waiting for session wipe before initializing")
		select {
		case <-wipe:
		case <-c.baseCtx.Done():
			return errors.ErrControllerClosed
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrControllerClosed
	}
	if c.stopEpoch != epoch {
		c.mu.Unlock()
		return errStartCanceled
	}
	c.gen++
	gen := c.gen
	c.current.Store(gen)
	c.initAbort = nil
	// A new handle always starts unpaired, whatever the last one reached
	c.cache.Clear()
	c.cache.Unseal()
	initCtx, cancel := context.WithTimeout(c.baseCtx, c.initTimeout)
	c.initCancel = cancel
	c.mu.Unlock()
	defer cancel()

	h, err := c.factory.New(gen, c.sink(gen))
	if err != nil {
		return c.initFailed(gen, nil, err)
	}

	c.mu.Lock()
	if c.current.Load() != gen {
		c.mu.Unlock()
		c.destroy(h)
		return errStartCanceled
	}
	c.handle = h
	c.initializing = true
	out = []event.Event{c.transitionLocked(StateInitializing)}
	c.mu.Unlock()
	c.publish(out...)

	c.logger.Info("initializing connection", "generation", gen)
	err = h.Initialize(initCtx)

	c.mu.Lock()
	superseded := c.current.Load() != gen
	if !superseded {
		if err == nil && c.initAbort != nil {
			// Disconnected while Initialize was returning successfully
			err = c.initAbort
		}
		if err == nil {
			c.initializing = false
			c.initCancel = nil
		}
	}
	c.mu.Unlock()

	if superseded {
		c.destroy(h)
		c.logger.Debug("initialization superseded", "generation", gen)
		return errStartCanceled
	}
	if err != nil {
		return c.initFailed(gen, h, err)
	}
	c.logger.Info("connection initialized", "generation", gen)
	return nil
}

// initFailed returns the controller to IDLE after generation gen failed to
// build or initialize. No retry is scheduled from here.
func (c *Controller) initFailed(gen uint64, h connection.Handle, cause error) error {
	cerr := errors.NewConnectionError(errors.KindInitialization, "initialize", cause).WithGeneration(gen)

	c.mu.Lock()
	var out []event.Event
	if c.current.Load() == gen {
		c.current.Store(0)
		c.handle = nil
		c.initializing = false
		c.initCancel = nil
		c.lastErr = cerr
		c.cache.Clear()
		c.cache.Unseal()
		out = append(out, c.transitionLocked(StateIdle), event.NewInitFailedEvent(gen, cerr))
	}
	c.mu.Unlock()

	if h != nil {
		c.destroy(h)
	}
	c.logger.Error("connection initialization failed", "generation", gen, "error", cause.Error())
	c.publish(out...)
	return cerr
}

// Stop destroys the handle, clears the pairing cache, cancels any pending
// retry and returns to IDLE. It waits for an in-flight Start to settle.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopEpoch++
	c.cancelRetryLocked()
	c.current.Store(0)
	h := c.handle
	c.handle = nil
	c.initializing = false
	cancelInit := c.initCancel
	c.initCancel = nil
	inflight := c.inflight
	c.rawState = ""
	c.cache.Clear()
	c.cache.Unseal()
	out := []event.Event{c.transitionLocked(StateIdle)}
	c.mu.Unlock()

	if cancelInit != nil {
		cancelInit()
	}
	if h != nil {
		c.destroy(h)
		c.logger.Info("connection stopped", "generation", h.Generation())
	}
	if inflight != nil {
		<-inflight
	}
	// A Start issued after Stop must not join the flight Stop just ended
	c.flight.Forget("start")
	c.publish(out...)
}

// Restart stops the current handle and starts a new one. Restarts are
// serialized. It returns when the new Start returns, not when the session
// is connected.
func (c *Controller) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	c.logger.Info("restart requested")
	c.Stop()
	return c.Start(ctx)
}

// Close stops the controller for good. Later Start calls fail with
// errors.ErrControllerClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop()

	c.mu.Lock()
	wipe := c.pendingWipe
	c.mu.Unlock()
	if wipe != nil {
		<-wipe
	}

	c.cancel()
	<-c.loopDone
	if c.hbDone != nil {
		<-c.hbDone
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, pending := c.cache.Get()
	return Status{
		State:             c.state,
		Since:             c.since,
		Connected:         c.state == StateConnected,
		HasPendingPairing: pending && c.state != StateConnected,
		RawState:          c.rawState,
		Generation:        c.current.Load(),
		LastError:         c.lastErr,
		RetryPending:      c.retryTimer != nil,
	}
}

// Pairing returns the pending pairing artifact, if any. It is never
// returned while connected.
func (c *Controller) Pairing() (pairing.Artifact, bool) {
	return c.cache.Get()
}

// ProbeState asks the current handle for its live state. It returns
// errors.ErrNoHandle when there is no handle.
func (c *Controller) ProbeState(ctx context.Context) (string, error) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()

	if h == nil {
		return "", errors.ErrNoHandle
	}
	return h.State(ctx)
}

// sink returns the event sink bound to generation gen.
func (c *Controller) sink(gen uint64) connection.Sink {
	return func(ev connection.Event) {
		if c.current.Load() != gen {
			return
		}
		ev.Generation = gen
		select {
		case c.events <- ev:
		case <-c.baseCtx.Done():
		}
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.baseCtx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev connection.Event) {
	if ev.Generation != c.current.Load() {
		c.logger.Debug("dropping event from superseded handle",
			"event", ev.Kind.String(),
			"generation", ev.Generation,
		)
		return
	}

	switch ev.Kind {
	case connection.EventPairing:
		c.onPairing(ev)
	case connection.EventAuthenticated:
		c.onAuthenticated(ev)
	case connection.EventReady:
		c.onReady(ev)
	case connection.EventStateChange:
		c.onStateChange(ev)
	case connection.EventAuthFailure:
		c.onAuthFailure(ev)
	case connection.EventDisconnected:
		c.onDisconnected(ev)
	default:
		c.logger.Warn("unknown connection event", "event", ev.Kind.String())
	}
}

func (c *Controller) onPairing(ev connection.Event) {
	c.mu.Lock()
	stale := c.staleLocked(ev)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if stale {
		return
	}
	if connected {
		c.logger.Debug("pairing challenge ignored while connected", "generation", ev.Generation)
		return
	}

	// Rendering is slow enough to keep outside the lock
	img, err := c.render(ev.Pairing)
	if err != nil {
		c.logger.Warn("failed to render pairing challenge", "error", err.Error())
		return
	}

	c.mu.Lock()
	if c.staleLocked(ev) || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	stored := c.cache.Set(pairing.Artifact{
		Raw:        ev.Pairing,
		Image:      img,
		IssuedAt:   ev.At,
		Generation: ev.Generation,
	})
	out := []event.Event{c.transitionLocked(StateAwaitingPairing)}
	if stored {
		out = append(out, event.NewPairingIssuedEvent(ev.Generation, ev.Pairing, img))
	}
	c.mu.Unlock()

	c.logger.Info("pairing challenge issued", "generation", ev.Generation)
	c.publish(out...)
}

func (c *Controller) onAuthenticated(ev connection.Event) {
	c.mu.Lock()
	if c.staleLocked(ev) {
		c.mu.Unlock()
		return
	}
	var out []event.Event
	if c.state != StateConnected {
		out = append(out, c.transitionLocked(StateAuthenticated))
	}
	c.mu.Unlock()

	c.logger.Info("session authenticated", "generation", ev.Generation)
	c.publish(out...)
}

func (c *Controller) onReady(ev connection.Event) {
	c.mu.Lock()
	if c.staleLocked(ev) {
		c.mu.Unlock()
		return
	}
	c.cache.Seal()
	c.lastErr = nil
	out := []event.Event{c.transitionLocked(StateConnected), event.NewConnectedEvent(ev.Generation)}
	c.mu.Unlock()

	c.logger.Info("session ready", "generation", ev.Generation)
	c.publish(out...)
}

func (c *Controller) onStateChange(ev connection.Event) {
	c.mu.Lock()
	if c.staleLocked(ev) {
		c.mu.Unlock()
		return
	}
	c.rawState = ev.State
	c.mu.Unlock()
	c.logger.Info("bridge state changed", "state", ev.State, "generation", ev.Generation)
}

func (c *Controller) onAuthFailure(ev connection.Event) {
	c.mu.Lock()
	if c.staleLocked(ev) {
		c.mu.Unlock()
		return
	}
	c.lastErr = fmt.Errorf("authentication failure: %s", ev.Message)
	c.mu.Unlock()
	c.logger.Error("authentication failure", "message", ev.Message, "generation", ev.Generation)
}

func (c *Controller) onDisconnected(ev connection.Event) {
	logout := IsLogoutReason(ev.Reason)
	kind := errors.KindTransientDisconnect
	if logout {
		kind = errors.KindLogoutDisconnect
	}
	cerr := errors.NewConnectionError(kind, "disconnected", nil).
		WithGeneration(ev.Generation).
		WithReason(ev.Reason)

	c.mu.Lock()
	if c.staleLocked(ev) {
		c.mu.Unlock()
		return
	}

	if c.initializing {
		// Initialize is still running; abort it and let the init failure
		// path return to IDLE without scheduling a retry.
		c.lastErr = cerr
		c.initAbort = cerr
		if logout {
			c.beginWipeLocked()
		}
		cancelInit := c.initCancel
		c.mu.Unlock()
		c.logger.Warn("disconnected during initialization", "reason", ev.Reason, "generation", ev.Generation)
		if cancelInit != nil {
			cancelInit()
		}
		return
	}

	c.current.Store(0)
	h := c.handle
	c.handle = nil
	c.rawState = ""
	c.lastErr = cerr
	c.cache.Clear()
	c.cache.Unseal()
	if logout {
		c.beginWipeLocked()
	}
	c.scheduleRetryLocked()
	out := []event.Event{
		c.transitionLocked(StateDisconnected),
		event.NewDisconnectedEvent(ev.Generation, ev.Reason, logout),
	}
	c.mu.Unlock()

	c.logger.Warn("session disconnected",
		"reason", ev.Reason,
		"logout", logout,
		"generation", ev.Generation,
		"retry_in", c.retryDelay.String(),
	)
	if h != nil {
		c.destroy(h)
	}
	c.publish(out...)
}

// staleLocked reports whether ev came from a handle that is no longer
// current. The loop checks this before dispatch, but Stop may have run
// since.
func (c *Controller) staleLocked(ev connection.Event) bool {
	return c.current.Load() != ev.Generation
}

// beginWipeLocked starts an asynchronous store wipe unless one is running.
// The next start waits for it.
func (c *Controller) beginWipeLocked() {
	if c.store == nil {
		c.logger.Warn("logout disconnect but no session store configured; nothing wiped")
		return
	}
	if c.pendingWipe != nil {
		return
	}

	done := make(chan struct{})
	c.pendingWipe = done
	go func() {
		err := c.store.Wipe()

		c.mu.Lock()
		if c.pendingWipe == done {
			c.pendingWipe = nil
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			c.logger.Error("session wipe failed", "dir", c.store.Dir(), "error", err.Error())
		} else {
			c.logger.Info("session wiped after logout", "dir", c.store.Dir())
		}
		c.publish(event.NewSessionWipedEvent(c.store.Dir(), err))
	}()
}

// scheduleRetryLocked arms the single delayed restart, replacing any
// pending one.
func (c *Controller) scheduleRetryLocked() {
	c.cancelRetryLocked()
	seq := c.retrySeq
	c.retryTimer = time.AfterFunc(c.retryDelay, func() {
		c.mu.Lock()
		if c.closed || c.retrySeq != seq || c.retryTimer == nil {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.mu.Unlock()

		c.logger.Info("retrying connection")
		if err := c.Start(c.baseCtx); err != nil {
			c.logger.Error("automatic restart failed", "error", err.Error())
		}
	})
}

// cancelRetryLocked disarms the pending retry. Bumping retrySeq also stops
// a timer whose callback is already running from acting.
func (c *Controller) cancelRetryLocked() {
	c.retrySeq++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// transitionLocked moves to state s and returns the event to publish once
// the lock is released, or nil if the state did not change.
func (c *Controller) transitionLocked(s State) event.Event {
	if c.state == s {
		return nil
	}
	prev := c.state
	c.state = s
	c.since = time.Now()
	c.logger.Debug("state transition", "from", prev.String(), "to", s.String())
	return event.NewStateChangedEvent(prev.String(), s.String(), c.current.Load())
}

func (c *Controller) publish(events ...event.Event) {
	if c.bus == nil {
		return
	}
	for _, e := range events {
		if e != nil {
			c.bus.Publish(e)
		}
	}
}

func (c *Controller) destroy(h connection.Handle) {
	if err := h.Destroy(); err != nil {
		c.logger.Warn("failed to destroy connection handle",
			"generation", h.Generation(),
			"error", err.Error(),
		)
	}
}
