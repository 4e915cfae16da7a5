package transport

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
)

// loxoneTransport speaks the miniserver websocket protocol: a getkey /
// SHA-1 authenticate handshake, then request/response cycles over
// jdev/sps/io/<uuid>/all.
type loxoneTransport struct {
	cfg     domain.DeviceConfig
	handler Handler

	mu      sync.Mutex
	ws      *websocket.Conn
	pending chan domain.Measurement
	done    chan struct{}
}

type loxoneResponse struct {
	LL loxonePayload `json:"LL"`
}

type loxonePayload struct {
	Control string
	Value   string
	Code    string
	Outputs map[string]loxoneOutput
}

type loxoneOutput struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// The miniserver flattens outputs into dynamic top-level keys
// (output0, output1, ...), so decoding needs a custom pass.
func (p *loxonePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Outputs = make(map[string]loxoneOutput)
	for key, value := range raw {
		switch key {
		case "control":
			_ = json.Unmarshal(value, &p.Control)
		case "value":
			_ = json.Unmarshal(value, &p.Value)
		case "Code", "code":
			_ = json.Unmarshal(value, &p.Code)
		default:
			if strings.HasPrefix(key, "output") {
				var out loxoneOutput
				if err := json.Unmarshal(value, &out); err == nil {
					p.Outputs[key] = out
				}
			}
		}
	}
	return nil
}

func newLoxone(cfg domain.DeviceConfig) (Transport, error) {
	if cfg.Params.Host == "" || cfg.Params.DeviceUUID == "" {
		return nil, fmt.Errorf("device %s: loxone transport requires host and device_uuid", cfg.ID)
	}
	return &loxoneTransport{cfg: cfg}, nil
}

func (t *loxoneTransport) Subscribe(h Handler) { t.handler = h }

func (t *loxoneTransport) emit(e Event) {
	if t.handler != nil {
		t.handler(e)
	}
}

// Find probes miniserver reachability before the websocket handshake.
func (t *loxoneTransport) Find(ctx context.Context) error {
	host := t.cfg.Params.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("device %s: miniserver unreachable: %w", t.cfg.ID, err)
	}
	return conn.Close()
}

func (t *loxoneTransport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := fmt.Sprintf("ws://%s/ws/rfc6455", t.cfg.Params.Host)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("device %s: websocket dial: %w", t.cfg.ID, err)
	}

	if err := t.authenticate(ws); err != nil {
		ws.Close()
		return fmt.Errorf("device %s: %w", t.cfg.ID, err)
	}

	t.mu.Lock()
	t.ws = ws
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(ws)
	t.emit(Event{Kind: EventConnected})
	return nil
}

func (t *loxoneTransport) authenticate(ws *websocket.Conn) error {
	if err := ws.WriteMessage(websocket.TextMessage, []byte("jdev/sys/getkey")); err != nil {
		return fmt.Errorf("key request: %w", err)
	}
	var keyResp loxoneResponse
	if _, msg, err := ws.ReadMessage(); err != nil {
		return fmt.Errorf("key response: %w", err)
	} else if err := json.Unmarshal(msg, &keyResp); err != nil {
		return fmt.Errorf("key response: %w", err)
	}
	if keyResp.LL.Code != "200" {
		return fmt.Errorf("key exchange refused, code %s", keyResp.LL.Code)
	}

	hash := t.hashPassword(keyResp.LL.Value)
	cmd := "authenticate/" + hash
	if t.cfg.Params.Username != "" {
		cmd = "jdev/sys/authenticate/" + hash
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	var authResp loxoneResponse
	if _, msg, err := ws.ReadMessage(); err != nil {
		return fmt.Errorf("auth response: %w", err)
	} else if err := json.Unmarshal(msg, &authResp); err != nil {
		return fmt.Errorf("auth response: %w", err)
	}
	if authResp.LL.Code != "200" {
		return fmt.Errorf("authentication refused, code %s", authResp.LL.Code)
	}
	return nil
}

// hashPassword follows the miniserver scheme: SHA1(password + ":" + key),
// then SHA1(username + ":" + hash) when a username is set, upper-cased hex.
func (t *loxoneTransport) hashPassword(key string) string {
	h := sha1.New()
	h.Write([]byte(t.cfg.Params.Password + ":" + key))
	pwHash := hex.EncodeToString(h.Sum(nil))
	if t.cfg.Params.Username != "" {
		h = sha1.New()
		h.Write([]byte(t.cfg.Params.Username + ":" + pwHash))
		return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
	}
	return strings.ToUpper(pwHash)
}

func (t *loxoneTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if t.ws != nil {
		err := t.ws.Close()
		t.ws = nil
		return err
	}
	return nil
}

func (t *loxoneTransport) readLoop(ws *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		stopped := t.done == nil
		t.ws = nil
		t.mu.Unlock()
		if !stopped {
			t.emit(Event{Kind: EventDisconnected})
		}
	}()

	expected := fmt.Sprintf("dev/sps/io/%s/all", t.cfg.Params.DeviceUUID)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stopped := t.done == nil
			t.mu.Unlock()
			if !stopped {
				t.emit(Event{Kind: EventError, Err: err})
			}
			return
		}

		var resp loxoneResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Debug().Err(err).Str("device", t.cfg.ID).Msg("ignoring non-JSON frame")
			continue
		}
		if !strings.Contains(resp.LL.Control, expected) {
			// heartbeat or unrelated control, not ours
			continue
		}

		t.deliver(t.parseMeasurement(resp.LL.Outputs))
	}
}

// deliver routes one matched response: the poll waiting on it consumes it,
// unsolicited responses become data events.
func (t *loxoneTransport) deliver(m domain.Measurement) {
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

// parseMeasurement maps named miniserver outputs onto the measurement.
// The energy output reports lifetime kWh and is carried as a cumulative
// counter in Wh.
func (t *loxoneTransport) parseMeasurement(outputs map[string]loxoneOutput) domain.Measurement {
	m := domain.Measurement{SourceID: t.cfg.ID, Timestamp: time.Now()}
	for _, out := range outputs {
		v, ok := numericValue(out.Value)
		if !ok {
			continue
		}
		switch strings.ToLower(out.Name) {
		case FieldPower:
			m.PowerW = v
		case FieldVoltage:
			m.Voltage = v
		case FieldCurrent:
			m.Current = v
		case "energy", FieldConsumption:
			wh := v * 1000
			m.CumulativeWh = &wh
		}
	}
	return m
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func (t *loxoneTransport) Refresh(ctx context.Context, _ []string) (domain.Measurement, error) {
	t.mu.Lock()
	ws := t.ws
	waiter := make(chan domain.Measurement, 1)
	t.pending = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
	}()

	if ws == nil {
		return domain.Measurement{}, fmt.Errorf("device %s: not connected", t.cfg.ID)
	}

	cmd := fmt.Sprintf("jdev/sps/io/%s/all", t.cfg.Params.DeviceUUID)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		return domain.Measurement{}, fmt.Errorf("device %s: refresh request: %w", t.cfg.ID, err)
	}

	select {
	case m := <-waiter:
		return m, nil
	case <-ctx.Done():
		return domain.Measurement{}, ctx.Err()
	}
}
