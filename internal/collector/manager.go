package collector

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/alert"
	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/metrics"
	"github.com/lwesolowski/homeflux/internal/transport"
)

const connectTimeout = 30 * time.Second

type Options struct {
	PollInterval     time.Duration
	PollTimeout      time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	FailureThreshold int
}

func (o *Options) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.BackoffInitial == 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
}

// deviceConn is the mutable per-device connection record, owned
// exclusively by the Manager and guarded by its lock.
type deviceConn struct {
	cfg        domain.DeviceConfig
	tr         transport.Transport
	state      domain.ConnState
	lastErr    error
	lastUpdate time.Time

	policy    *backoff.ExponentialBackOff
	nextDelay time.Duration
	reconnect *time.Timer
	poller    *poller

	failures int
	alerted  bool
}

// Manager owns the lifecycle of every configured device connection:
// connect, reconnect with exponential backoff, and reconciliation against
// a changed device list.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	factory transport.Factory
	agg     *Aggregator
	alerts  *alert.Notifier
	conns   map[string]*deviceConn
}

func NewManager(factory transport.Factory, agg *Aggregator, alerts *alert.Notifier, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:    opts,
		factory: factory,
		agg:     agg,
		alerts:  alerts,
		conns:   make(map[string]*deviceConn),
	}
}

func newBackoffPolicy(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Reconcile applies the symmetric difference between the given device set
// and the tracked connections. Calling it twice with the same set is a
// no-op for unchanged IDs.
func (m *Manager) Reconcile(configs []domain.DeviceConfig) {
	desired := make(map[string]domain.DeviceConfig, len(configs))
	for _, cfg := range configs {
		desired[cfg.ID] = cfg
	}

	m.mu.Lock()
	var removed []string
	for id := range m.conns {
		if _, ok := desired[id]; !ok {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		m.removeLocked(id)
	}

	var added []string
	for id, cfg := range desired {
		if _, ok := m.conns[id]; ok {
			continue
		}
		tr, err := m.factory(cfg)
		if err != nil {
			log.Warn().Err(err).Str("device", id).Msg("device skipped, invalid configuration")
			continue
		}
		c := &deviceConn{
			cfg:    cfg,
			tr:     tr,
			state:  domain.StateConnecting,
			policy: newBackoffPolicy(m.opts.BackoffInitial, m.opts.BackoffMax),
		}
		tr.Subscribe(func(e transport.Event) { m.handleEvent(cfg.ID, e) })
		m.conns[id] = c
		m.agg.RegisterSource(id, cfg.Name)
		added = append(added, id)
	}
	m.mu.Unlock()

	for _, id := range added {
		go m.connect(id)
	}
	if len(removed) > 0 || len(added) > 0 {
		log.Info().Strs("added", added).Strs("removed", removed).Msg("device set reconciled")
	}
	m.updateGauge()
}

// Disconnect tears the device down and discards its bookkeeping and
// sample buffer.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	m.removeLocked(id)
	m.mu.Unlock()
	m.updateGauge()
}

// Stop disconnects every device; used for graceful shutdown.
func (m *Manager) Stop() {
	m.Reconcile(nil)
}

func (m *Manager) removeLocked(id string) {
	c, ok := m.conns[id]
	if !ok {
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.poller != nil {
		c.poller.stop()
		c.poller = nil
	}
	if err := c.tr.Disconnect(); err != nil {
		log.Warn().Err(err).Str("device", id).Msg("transport teardown failed")
	}
	delete(m.conns, id)
	m.agg.DropSource(id)
}

// connect runs the transport's discovery and handshake sequence. Success
// resets the backoff and starts polling; failure schedules a retry.
func (m *Manager) connect(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || c.state == domain.StateConnected {
		m.mu.Unlock()
		return
	}
	c.state = domain.StateConnecting
	tr := c.tr
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	err := tr.Find(ctx)
	if err == nil {
		err = tr.Connect(ctx)
	}

	m.mu.Lock()
	c, ok = m.conns[id]
	if !ok {
		// removed while the handshake was in flight
		m.mu.Unlock()
		_ = tr.Disconnect()
		return
	}
	if err != nil {
		c.state = domain.StateErrorBackoff
		c.lastErr = err
		c.failures++
		m.maybeAlertLocked(c)
		m.scheduleReconnectLocked(c)
		delay := c.nextDelay
		m.mu.Unlock()
		log.Warn().Err(err).Str("device", id).Dur("retry_in", delay).Msg("connect failed")
		m.updateGauge()
		return
	}

	c.state = domain.StateConnected
	c.lastErr = nil
	c.failures = 0
	c.alerted = false
	c.policy.Reset()
	if c.poller == nil {
		c.poller = newPoller(m, id, tr, m.opts.PollInterval, m.opts.PollTimeout)
		c.poller.start()
	}
	m.mu.Unlock()
	log.Info().Str("device", id).Msg("device connected")
	m.updateGauge()
}

// scheduleReconnectLocked cancels any pending reconnect timer and arms a
// new one for the current backoff delay. Delays grow 1.5x per consecutive
// failure, clamped to the configured maximum.
func (m *Manager) scheduleReconnectLocked(c *deviceConn) {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.nextDelay = c.policy.NextBackOff()
	id := c.cfg.ID
	c.reconnect = time.AfterFunc(c.nextDelay, func() { m.connect(id) })
	metrics.ReconnectsTotal.WithLabelValues(id).Inc()
}

// reportFailure is the poller's entry point for connection-class errors.
func (m *Manager) reportFailure(id string, err error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if c.state != domain.StateConnected && c.state != domain.StateConnecting {
		m.mu.Unlock()
		return
	}
	c.state = domain.StateErrorBackoff
	c.lastErr = err
	c.failures++
	m.maybeAlertLocked(c)
	m.scheduleReconnectLocked(c)
	delay := c.nextDelay
	m.mu.Unlock()

	log.Warn().Err(err).Str("device", id).Dur("retry_in", delay).Msg("connection lost, reconnect scheduled")
	m.updateGauge()
}

func (m *Manager) maybeAlertLocked(c *deviceConn) {
	if c.alerted || c.failures < m.opts.FailureThreshold {
		return
	}
	c.alerted = true
	id, name, failures, lastErr := c.cfg.ID, c.cfg.Name, c.failures, c.lastErr
	go m.alerts.DeviceDown(context.Background(), id, name, failures, lastErr)
}

func (m *Manager) handleEvent(id string, e transport.Event) {
	switch e.Kind {
	case transport.EventDataUpdate:
		if e.Measurement != nil {
			m.agg.Ingest(*e.Measurement)
			m.touch(id)
		}
	case transport.EventDisconnected, transport.EventError:
		err := e.Err
		if err == nil {
			err = errTransportClosed
		}
		m.reportFailure(id, err)
	case transport.EventConnected:
		m.touch(id)
	}
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		c.lastUpdate = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) stateOf(id string) domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok {
		return c.state
	}
	return domain.StateDisconnected
}

// Status reports every tracked connection for the API surface.
func (m *Manager) Status() []domain.DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeviceStatus, 0, len(m.conns))
	for _, c := range m.conns {
		s := domain.DeviceStatus{
			ID:         c.cfg.ID,
			Name:       c.cfg.Name,
			State:      c.state.String(),
			LastUpdate: c.lastUpdate,
		}
		if c.lastErr != nil {
			s.LastError = c.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

func (m *Manager) updateGauge() {
	m.mu.Lock()
	connected := 0
	for _, c := range m.conns {
		if c.state == domain.StateConnected {
			connected++
		}
	}
	m.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(connected))
}
