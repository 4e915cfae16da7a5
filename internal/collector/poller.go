package collector

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/metrics"
	"github.com/lwesolowski/homeflux/internal/transport"
)

var errTransportClosed = errors.New("transport closed")

var refreshFields = []string{
	transport.FieldPower,
	transport.FieldVoltage,
	transport.FieldCurrent,
	transport.FieldConsumption,
}

// poller issues a timeout-bounded refresh for one device on a fixed
// cadence. The in-flight flag guarantees at most one outstanding refresh
// per device: a tick arriving while one is in flight is skipped, never
// queued.
type poller struct {
	m        *Manager
	id       string
	tr       transport.Transport
	interval time.Duration
	timeout  time.Duration
	inflight atomic.Bool
	done     chan struct{}
}

func newPoller(m *Manager, id string, tr transport.Transport, interval, timeout time.Duration) *poller {
	return &poller{
		m:        m,
		id:       id,
		tr:       tr,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

func (p *poller) start() {
	go p.run()
}

func (p *poller) stop() {
	close(p.done)
}

func (p *poller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *poller) tick() {
	if p.m.stateOf(p.id) != domain.StateConnected {
		return
	}
	if !p.inflight.CompareAndSwap(false, true) {
		metrics.PollsTotal.WithLabelValues(p.id, "skipped").Inc()
		return
	}
	go p.poll()
}

func (p *poller) poll() {
	defer p.inflight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	m, err := p.tr.Refresh(ctx, refreshFields)
	if err != nil {
		if isConnectionError(err) {
			metrics.PollsTotal.WithLabelValues(p.id, "conn_error").Inc()
			p.m.reportFailure(p.id, err)
		} else {
			// a bad reading is contained to this tick; cadence continues
			metrics.PollsTotal.WithLabelValues(p.id, "error").Inc()
			log.Warn().Err(err).Str("device", p.id).Msg("refresh failed")
		}
		return
	}

	metrics.PollsTotal.WithLabelValues(p.id, "ok").Inc()
	p.m.agg.Ingest(m)
	p.m.touch(p.id)
}

// isConnectionError classifies failures that warrant tearing the
// connection down and backing off, as opposed to a one-off bad response.
func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "reset", "refused", "closed", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
