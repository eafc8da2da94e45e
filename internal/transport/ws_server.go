package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// MaxConnectionsPerDevice mirrors internal/websocket/hub.go's
// connection ceiling, generalized from "devices per user" to
// "connections per device" since this transport's unit of attachment
// is a single device, not an account.
const MaxConnectionsPerDevice = 1

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // trust-on-first-use; real origin policing sits in front of this node
}

// conn is one device's live websocket attachment.
type conn struct {
	deviceID uuid.UUID
	ws       *websocket.Conn
	send     chan []byte
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// uplinkFrame is what a device connected over /ws sends for each
// outbound message of its own: the envelope plus who it's addressed
// to, since this node is not necessarily that recipient.
type uplinkFrame struct {
	RecipientDeviceID uuid.UUID
	Envelope          RatchetEnvelope
}

// readPump drains inbound websocket frames from a connected device's
// uplink and routes each to its actual recipient (locally-attached
// peer, this node's own engine, or another node via relay) — this
// node is a relay hop for a connected device's sends, not necessarily
// their destination.
func (c *conn) readPump(t *WSTransport) {
	defer func() {
		t.conns.remove(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("transport: websocket error for device %s: %v", c.deviceID, err)
			}
			return
		}
		var frame uplinkFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("transport: failed to decode uplink frame from device %s: %v", c.deviceID, err)
			continue
		}
		t.route(context.Background(), frame.RecipientDeviceID, frame.Envelope)
	}
}

// connectionSet is the per-node map of devices currently attached over
// a live websocket, generalized from internal/websocket/hub.go's
// per-user client map to a flat per-device map (this engine's unit of
// presence is a device, not an account with many devices sharing one
// bucket).
type connectionSet struct {
	mu      sync.RWMutex
	byDevice map[uuid.UUID]*conn
}

func newConnectionSet() *connectionSet {
	return &connectionSet{byDevice: make(map[uuid.UUID]*conn)}
}

func (s *connectionSet) add(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byDevice[c.deviceID]; ok {
		close(existing.send)
	}
	s.byDevice[c.deviceID] = c
}

func (s *connectionSet) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.byDevice[c.deviceID]; ok && current == c {
		delete(s.byDevice, c.deviceID)
	}
}

// deliver writes env to deviceID's live connection, if any, and
// reports whether one was found. It never blocks: a full send buffer
// drops the oldest write attempt rather than stalling the caller,
// matching the best-effort delivery internal/fanout.FanOut already
// assumes of its Sender.
func (s *connectionSet) deliver(deviceID uuid.UUID, env RatchetEnvelope) bool {
	s.mu.RLock()
	c, ok := s.byDevice[deviceID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("transport: failed to encode envelope for device %s: %v", deviceID, err)
		return false
	}
	select {
	case c.send <- data:
	default:
		log.Printf("transport: send buffer full for device %s, dropping", deviceID)
	}
	return true
}

// RegisterRoutes mounts every HTTP endpoint this transport serves
// (the websocket upgrade, the cross-node relay, and the directory's
// non-streaming calls) onto router.
func (t *WSTransport) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", t.serveWS).Methods(http.MethodGet)

	relay := http.Handler(http.HandlerFunc(t.serveRelay))
	directory := http.Handler(http.HandlerFunc(t.serveFetchConfiguration))
	if t.limiter != nil {
		relay = t.limiter.middleware(relay)
		directory = t.limiter.middleware(directory)
	}
	router.Handle("/v1/relay", relay).Methods(http.MethodPost)
	router.Handle("/v1/directory/{secretName}", directory).Methods(http.MethodGet)
}

func (t *WSTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(r.URL.Query().Get("device_id"))
	if err != nil {
		http.Error(w, "missing or invalid device_id", http.StatusBadRequest)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: websocket upgrade failed for device %s: %v", deviceID, err)
		return
	}

	c := &conn{deviceID: deviceID, ws: wsConn, send: make(chan []byte, 64)}
	t.conns.add(c)
	if t.reg != nil {
		if err := t.reg.AttachDevice(deviceID.String()); err != nil {
			log.Printf("transport: failed to attach device %s to registry: %v", deviceID, err)
		}
	}

	go c.writePump()
	c.readPump(t)

	if t.reg != nil {
		if err := t.reg.DetachDevice(deviceID.String()); err != nil {
			log.Printf("transport: failed to detach device %s from registry: %v", deviceID, err)
		}
	}
}

// serveRelay accepts an envelope forwarded by another transport node
// for a device attached here (internal/registry.NodeRegistry's
// LocateDevice pointed the sender at this node).
func (t *WSTransport) serveRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid relay request body", http.StatusBadRequest)
		return
	}
	t.route(r.Context(), req.RecipientDeviceID, req.Envelope)
	w.WriteHeader(http.StatusAccepted)
}

// handleInbound runs a received envelope through the wired engine and,
// on a successful decrypt, hands the plaintext to the onDeliver
// callback cmd/sessiond registered (persistence and EventReceiver
// notification are its responsibility, not this package's).
func (t *WSTransport) handleInbound(ctx context.Context, env RatchetEnvelope) {
	if t.receiver == nil {
		log.Printf("transport: dropped inbound envelope, no receiver wired yet")
		return
	}
	msg, err := t.receiver.ReceiveEnvelope(ctx, env)
	if err != nil {
		log.Printf("transport: failed to process inbound envelope from %s/%s: %v", env.SenderSecretName, env.SenderDeviceID, err)
		return
	}
	if msg != nil && t.onDeliver != nil {
		t.onDeliver(*msg)
	}
}

func (t *WSTransport) serveFetchConfiguration(w http.ResponseWriter, r *http.Request) {
	secretName := mux.Vars(r)["secretName"]
	cfg, err := t.FetchUserConfiguration(r.Context(), secretName)
	if err != nil {
		http.Error(w, "configuration not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		log.Printf("transport: failed to encode configuration response: %v", err)
	}
}
