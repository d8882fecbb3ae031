// Package poller drives the repeating EnergyManager poll cycle:
// fetch, decode, map, commit. One Coordinator owns one gateway, its
// timer and its cancellation; sinks observe committed snapshots and
// never drive the poll.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/metrics"
)

// MinInterval is the safety floor for the poll interval. Shorter
// configured intervals are clamped, not rejected, to keep a
// misconfigured bridge from hammering the gateway.
const MinInterval = 5 * time.Second

// ErrInvalidInterval is returned for a non-positive poll interval.
var ErrInvalidInterval = errors.New("poll interval must be positive")

// Fetcher is the device transport used by the coordinator. Implemented
// by energymanager.Client.
type Fetcher interface {
	Fetch(ctx context.Context) (*energymanager.Envelope, error)
}

// Config holds the poll schedule parameters.
type Config struct {
	// Interval is the nominal poll period. Clamped to MinInterval.
	Interval time.Duration
	// Timeout bounds one fetch. Defaults to half the interval and is
	// always kept strictly below it so polls cannot overlap.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count at which
	// backoff engages and sinks go unavailable. Defaults to 3.
	FailureThreshold int
	// MaxBackoff caps the backoff delay. Defaults to 10x the interval.
	MaxBackoff time.Duration
	// StaleAfter is the snapshot age beyond which sinks must treat the
	// data as stale. Defaults to 3x the interval.
	StaleAfter time.Duration
}

// normalize fills defaults and validates. The returned bool reports
// whether the interval was clamped to the safety floor.
func (cfg Config) normalize() (Config, bool, error) {
	if cfg.Interval <= 0 {
		return cfg, false, fmt.Errorf("%w: %v", ErrInvalidInterval, cfg.Interval)
	}
	clamped := false
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
		clamped = true
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = cfg.Interval / 2
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * cfg.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.Interval
	}
	return cfg, clamped, nil
}

// FailureState tracks consecutive poll failures for one gateway.
type FailureState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Snapshot is the atomically published result of the most recent
// successful poll. It is immutable once published; the coordinator
// replaces it wholesale and readers may hold it indefinitely.
type Snapshot struct {
	Sequence uint64                    `json:"sequence"`
	Taken    time.Time                 `json:"taken"`
	Gateway  energymanager.GatewayInfo `json:"gateway"`
	Samples  []metrics.Sample          `json:"samples"`
}

// Sample returns the sample for a key, if present.
func (s *Snapshot) Sample(key string) (metrics.Sample, bool) {
	for _, sm := range s.Samples {
		if sm.Key == key {
			return sm, true
		}
	}
	return metrics.Sample{}, false
}

// Coordinator state, used to drop ticks that arrive mid-poll.
const (
	stateIdle int32 = iota
	statePolling
)

// Coordinator runs the fetch/decode/map/commit cycle on a fixed
// period, with exponential backoff after consecutive failures.
type Coordinator struct {
	registry *metrics.Registry
	events   *Bus
	logger   *slog.Logger

	snap  atomic.Pointer[Snapshot]
	state atomic.Int32

	mu      sync.Mutex
	fetcher Fetcher
	cfg     Config
	failure FailureState
	pending *pendingConfig
	gateway energymanager.GatewayInfo

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingConfig struct {
	fetcher Fetcher
	cfg     Config
}

// New creates a coordinator. Configuration errors (non-positive
// interval) are surfaced here, before any poll is scheduled.
func New(fetcher Fetcher, registry *metrics.Registry, events *Bus, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	cfg, clamped, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "poller")
	if clamped {
		logger.Warn("poll interval below safety floor, clamped", "interval", cfg.Interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry: registry,
		events:   events,
		logger:   logger,
		fetcher:  fetcher,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Prime seeds the last-known-good snapshot, typically from the store
// after a restart, so sinks have data (marked stale) before the first
// poll. Must be called before Start.
func (c *Coordinator) Prime(snap *Snapshot) {
	if snap == nil {
		return
	}
	c.snap.Store(snap)
	c.mu.Lock()
	c.gateway = snap.Gateway
	c.mu.Unlock()
}

// Start launches the poll loop. The first poll runs immediately.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop cancels the loop and any in-flight fetch, then waits for the
// loop to exit. Pending ticks are discarded.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
}

// Snapshot returns the last committed snapshot, or nil before the
// first success. The returned value is immutable.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Events returns the coordinator's event bus.
func (c *Coordinator) Events() *Bus {
	return c.events
}

// Failure returns a copy of the current failure state.
func (c *Coordinator) Failure() FailureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Config returns the active poll configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Available reports whether sinks should present the current data as
// live: below the failure threshold and the snapshot not stale.
func (c *Coordinator) Available() bool {
	snap := c.snap.Load()
	if snap == nil {
		return false
	}
	c.mu.Lock()
	failures := c.failure.ConsecutiveFailures
	threshold := c.cfg.FailureThreshold
	staleAfter := c.cfg.StaleAfter
	c.mu.Unlock()
	if failures >= threshold {
		return false
	}
	return c.now().Sub(snap.Taken) <= staleAfter
}

// Reconfigure queues a new fetcher and/or schedule. A nil fetcher
// keeps the current one. The change is applied between polls, never
// mid-cycle; invalid values are rejected here and the running
// configuration is untouched.
func (c *Coordinator) Reconfigure(fetcher Fetcher, cfg Config) error {
	cfg, clamped, err := cfg.normalize()
	if err != nil {
		return err
	}
	if clamped {
		c.logger.Warn("poll interval below safety floor, clamped", "interval", cfg.Interval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &pendingConfig{fetcher: fetcher, cfg: cfg}
	return nil
}

// TriggerPoll runs one poll cycle immediately, unless one is already
// in progress. Returns whether the poll actually ran. A queued
// reconfiguration takes effect first, as it would on a timer tick.
func (c *Coordinator) TriggerPoll() bool {
	return c.poll()
}

func (c *Coordinator) run() {
	defer close(c.done)

	// First poll right away, then on the schedule.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.poll()
			timer.Reset(c.nextDelay())
		}
	}
}

// poll executes one fetch/decode/map/commit cycle. A tick arriving
// while a cycle is in progress is dropped, not queued. Queued
// reconfiguration is applied here, at the cycle boundary, so it can
// never touch an in-flight cycle.
func (c *Coordinator) poll() bool {
	if !c.state.CompareAndSwap(stateIdle, statePolling) {
		c.logger.Warn("poll tick dropped, previous poll still in progress")
		return false
	}
	defer c.state.Store(stateIdle)

	c.applyPending()

	c.mu.Lock()
	fetcher := c.fetcher
	timeout := c.cfg.Timeout
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	env, err := fetcher.Fetch(ctx)
	if err != nil {
		c.fail(err)
		return true
	}

	taken := c.now()
	reading, err := energymanager.DecodeReading(env, taken)
	if err != nil {
		c.fail(err)
		return true
	}

	samples, unknown := c.registry.Map(reading)

	// Identity is metadata; a payload without it does not fail the poll.
	gateway, gwErr := energymanager.DecodeGatewayInfo(env)

	c.commit(samples, unknown, gateway, gwErr == nil, taken)
	return true
}

func (c *Coordinator) commit(samples []metrics.Sample, unknown []string, gateway *energymanager.GatewayInfo, gwOK bool, taken time.Time) {
	prev := c.snap.Load()
	snap := &Snapshot{
		Sequence: 1,
		Taken:    taken,
		Samples:  samples,
	}
	if prev != nil {
		snap.Sequence = prev.Sequence + 1
	}

	c.mu.Lock()
	wasAvailable := c.failure.ConsecutiveFailures < c.cfg.FailureThreshold && prev != nil
	c.failure = FailureState{LastSuccess: taken}
	gatewayChanged := false
	if gwOK {
		if *gateway != c.gateway {
			c.gateway = *gateway
			gatewayChanged = true
		}
	}
	snap.Gateway = c.gateway
	c.mu.Unlock()

	// Single writer: publish by pointer swap so readers never observe
	// a partially updated snapshot.
	c.snap.Store(snap)

	c.logger.Debug("snapshot committed", "sequence", snap.Sequence, "samples", len(samples), "unknown_keys", len(unknown))

	if gatewayChanged {
		c.events.Emit(Event{Type: EventGatewayInfo, Data: GatewayInfoData{Gateway: snap.Gateway}})
	}
	c.events.Emit(Event{Type: EventSnapshotCommitted, Data: SnapshotData{Snapshot: snap}})
	if len(unknown) > 0 {
		c.logger.Info("payload contains keys missing from the catalog", "keys", unknown)
		c.events.Emit(Event{Type: EventUnknownKeys, Data: UnknownKeysData{Keys: unknown}})
	}
	if !wasAvailable {
		c.events.Emit(Event{Type: EventAvailability, Data: AvailabilityData{Available: true}})
	}
}

// fail records a transport or parse failure. The last-known-good
// snapshot is left untouched and the loop keeps retrying with backoff.
func (c *Coordinator) fail(err error) {
	kind := errorKind(err)

	c.mu.Lock()
	c.failure.ConsecutiveFailures++
	c.failure.LastErrorKind = kind
	c.failure.LastError = err.Error()
	failures := c.failure.ConsecutiveFailures
	threshold := c.cfg.FailureThreshold
	c.mu.Unlock()

	c.logger.Warn("poll failed", "kind", kind, "consecutive", failures, "err", err)
	c.events.Emit(Event{Type: EventPollFailed, Data: PollFailedData{
		ErrorKind:           kind,
		Error:               err.Error(),
		ConsecutiveFailures: failures,
	}})
	if failures == threshold {
		c.events.Emit(Event{Type: EventAvailability, Data: AvailabilityData{Available: false}})
	}
}

// nextDelay returns the wait before the next poll: the nominal
// interval, or an exponentially growing delay once the consecutive
// failure count reaches the threshold. Resets to nominal on success.
func (c *Coordinator) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	failures := c.failure.ConsecutiveFailures
	if failures < c.cfg.FailureThreshold {
		return c.cfg.Interval
	}
	shift := failures - c.cfg.FailureThreshold + 1
	if shift > 10 {
		shift = 10
	}
	delay := c.cfg.Interval << shift
	if delay > c.cfg.MaxBackoff || delay <= 0 {
		delay = c.cfg.MaxBackoff
	}
	return delay
}

func (c *Coordinator) applyPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	if c.pending.fetcher != nil {
		c.fetcher = c.pending.fetcher
	}
	c.cfg = c.pending.cfg
	c.pending = nil
	c.logger.Info("configuration applied", "interval", c.cfg.Interval, "timeout", c.cfg.Timeout)
}

func errorKind(err error) string {
	var te *energymanager.TransportError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	var pe *energymanager.ParseError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "unknown"
}
