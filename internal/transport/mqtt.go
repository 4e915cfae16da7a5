package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
)

const mqttOpTimeout = 10 * time.Second

// mqttTransport serves devices that publish measurement JSON on a state
// topic and accept refresh requests on a command topic.
type mqttTransport struct {
	cfg     domain.DeviceConfig
	client  mqtt.Client
	handler Handler

	mu      sync.Mutex
	pending chan domain.Measurement
}

func newMQTT(cfg domain.DeviceConfig) (Transport, error) {
	if cfg.Params.Broker == "" || cfg.Params.StateTopic == "" {
		return nil, fmt.Errorf("device %s: mqtt transport requires broker and state_topic", cfg.ID)
	}
	return &mqttTransport{cfg: cfg}, nil
}

func (t *mqttTransport) Subscribe(h Handler) { t.handler = h }

func (t *mqttTransport) emit(e Event) {
	if t.handler != nil {
		t.handler(e)
	}
}

// Find is a no-op for MQTT; broker reachability is established by Connect.
func (t *mqttTransport) Find(context.Context) error { return nil }

func (t *mqttTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.Params.Broker).
		SetClientID("homeflux-" + t.cfg.ID).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.emit(Event{Kind: EventDisconnected, Err: err})
		})
	client := mqtt.NewClient(opts)

	if err := t.wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("device %s: mqtt connect: %w", t.cfg.ID, err)
	}
	if err := t.wait(ctx, client.Subscribe(t.cfg.Params.StateTopic, 0, t.onMessage)); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("device %s: mqtt subscribe %s: %w", t.cfg.ID, t.cfg.Params.StateTopic, err)
	}

	t.client = client
	t.emit(Event{Kind: EventConnected})
	return nil
}

func (t *mqttTransport) wait(ctx context.Context, token mqtt.Token) error {
	deadline := time.Now().Add(mqttOpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if !token.WaitTimeout(time.Until(deadline)) {
		return errors.New("operation timeout")
	}
	return token.Error()
}

func (t *mqttTransport) Disconnect() error {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	t.client = nil
	return nil
}

func (t *mqttTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var m domain.Measurement
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		log.Warn().Err(err).Str("device", t.cfg.ID).Str("topic", msg.Topic()).Msg("unparseable measurement payload")
		return
	}
	m.SourceID = t.cfg.ID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	t.deliver(m)
}

// deliver routes one decoded frame. A poll waiting on the frame consumes
// it via Refresh's return value; emitting a data event as well would feed
// the same sample to the collector twice.
func (t *mqttTransport) deliver(m domain.Measurement) {
	t.mu.Lock()
	waiter := t.pending
	t.pending = nil
	t.mu.Unlock()
	if waiter != nil {
		waiter <- m
		return
	}
	t.emit(Event{Kind: EventDataUpdate, Measurement: &m})
}

func (t *mqttTransport) Refresh(ctx context.Context, fields []string) (domain.Measurement, error) {
	client := t.client
	if client == nil || !client.IsConnected() {
		return domain.Measurement{}, fmt.Errorf("device %s: not connected", t.cfg.ID)
	}

	waiter := make(chan domain.Measurement, 1)
	t.mu.Lock()
	t.pending = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
	}()

	if t.cfg.Params.CommandTopic != "" {
		req := fmt.Sprintf(`{"cmd":"refresh","fields":%q}`, strings.Join(fields, ","))
		if err := t.wait(ctx, client.Publish(t.cfg.Params.CommandTopic, 0, false, []byte(req))); err != nil {
			return domain.Measurement{}, fmt.Errorf("device %s: refresh request: %w", t.cfg.ID, err)
		}
	}

	select {
	case m := <-waiter:
		return m, nil
	case <-ctx.Done():
		return domain.Measurement{}, ctx.Err()
	}
}
