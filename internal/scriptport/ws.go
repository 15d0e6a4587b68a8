// Package scriptport exposes the bridge to a scripting client over a
// WebSocket. One client at a time drives the RPC surface; callback
// resolutions, picker lifecycle frames, notifications and events flow
// back over the same connection.
package scriptport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

// Controller is the bridge surface the port drives. Calls must not
// block; results come back asynchronously through the port.
type Controller interface {
	RequestDevice(filtersJSON, token string)
	SelectDevice(address string)
	CancelSelection()
	ConnectGatt(deviceID, token string)
	WriteCharacteristic(serviceUUID, charUUID, hexData, token string)
	StartNotifications(serviceUUID, charUUID, token string)
	Disconnect()
	GetPairedDevices(token string)
}

// Frame is the single wire message shape, both directions. Type selects
// which fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// Inbound requests.
	Method string          `json:"method,omitempty"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Outbound callback resolutions.
	Fn      string          `json:"fn,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Value   *bool           `json:"value,omitempty"`

	// Outbound notifications and events.
	Characteristic string `json:"characteristic,omitempty"`
	Data           string `json:"data,omitempty"`
	Name           string `json:"name,omitempty"`

	// Outbound picker lifecycle.
	Action  string        `json:"action,omitempty"`
	Devices []frameDevice `json:"devices,omitempty"`

	Error string `json:"error,omitempty"`
}

type frameDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

const (
	frameTypeRequest      = "request"
	frameTypeCallback     = "callback"
	frameTypeBoolCallback = "boolCallback"
	frameTypeNotification = "notification"
	frameTypeEvent        = "event"
	frameTypePicker       = "picker"
)

// clientConn tracks the single WebSocket client.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) shutdown() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server accepts one scripting client and relays frames between it and
// the bridge. It implements the bridge's script port and picker
// surfaces.
type Server struct {
	addr      string
	httpSrv   *http.Server
	boundAddr string

	mu         sync.Mutex
	client     *clientConn
	controller Controller
}

// NewServer creates a port listening on addr once started.
func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// SetController wires the bridge in. Must be called before Start.
func (s *Server) SetController(c Controller) {
	s.mu.Lock()
	s.controller = c
	s.mu.Unlock()
}

// Start begins accepting connections and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("scriptport: listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	slog.Info("[ws] listening", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("scriptport: serve: %w", err)
	}
	return nil
}

// Stop closes the client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cc := s.client
	s.client = nil
	s.mu.Unlock()
	if cc != nil {
		cc.shutdown()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the bound listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		slog.Warn("[ws] accept failed", "error", err)
		return
	}

	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}

	// Single-client policy: a new connection supersedes the old one.
	s.mu.Lock()
	prior := s.client
	s.client = cc
	s.mu.Unlock()
	if prior != nil {
		slog.Warn("[ws] replacing existing client connection")
		prior.shutdown()
		prior.ws.Close(websocket.StatusPolicyViolation, "superseded by new client")
	}

	slog.Info("[ws] client connected", "remote", r.RemoteAddr)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.shutdown()
	s.mu.Lock()
	if s.client == cc {
		s.client = nil
	}
	s.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("[ws] client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != frameTypeRequest {
			continue
		}
		s.Dispatch(frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// requestParams is the union of per-method parameters.
type requestParams struct {
	Filters        json.RawMessage `json:"filters"`
	DeviceID       string          `json:"deviceId"`
	Service        string          `json:"service"`
	Characteristic string          `json:"characteristic"`
	Data           string          `json:"data"`
}

// Dispatch routes one request frame to the controller. Malformed
// parameters are answered with an error frame; unknown methods too.
func (s *Server) Dispatch(req Frame) {
	s.mu.Lock()
	c := s.controller
	s.mu.Unlock()
	if c == nil {
		slog.Error("[ws] request before controller wired", "method", req.Method)
		return
	}

	var params requestParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.Warn("[ws] malformed request params", "method", req.Method, "error", err)
			s.send(Frame{Type: frameTypeCallback, Fn: req.Token, Error: "malformed params: " + err.Error()})
			return
		}
	}

	switch req.Method {
	case "requestDevice":
		c.RequestDevice(string(params.Filters), req.Token)
	case "selectDevice":
		c.SelectDevice(params.DeviceID)
	case "cancelSelection":
		c.CancelSelection()
	case "connectGatt":
		c.ConnectGatt(params.DeviceID, req.Token)
	case "writeCharacteristic":
		c.WriteCharacteristic(params.Service, params.Characteristic, params.Data, req.Token)
	case "startNotifications":
		c.StartNotifications(params.Service, params.Characteristic, req.Token)
	case "disconnect":
		c.Disconnect()
	case "getPairedDevices":
		c.GetPairedDevices(req.Token)
	default:
		slog.Warn("[ws] unknown method", "method", req.Method)
		s.send(Frame{Type: frameTypeCallback, Fn: req.Token, Error: "unknown method: " + req.Method})
	}
}

// send enqueues a frame for the current client, dropping it when no
// client is connected or the queue is full. The bridge loop must never
// block on the network.
func (s *Server) send(frame Frame) {
	s.mu.Lock()
	cc := s.client
	s.mu.Unlock()
	if cc == nil {
		slog.Debug("[ws] dropping frame, no client", "type", frame.Type)
		return
	}
	select {
	case cc.sendCh <- frame:
	default:
		slog.Warn("[ws] dropping frame for slow client", "type", frame.Type)
	}
}

// bridge.ScriptPort implementation.

func (s *Server) InvokeCallback(fn, payloadJSON string) {
	s.send(Frame{Type: frameTypeCallback, Fn: fn, Payload: json.RawMessage(payloadJSON)})
}

func (s *Server) InvokeBoolCallback(token string, ok bool) {
	v := ok
	s.send(Frame{Type: frameTypeBoolCallback, Token: token, Value: &v})
}

func (s *Server) Notify(charUUID, hexData string) {
	s.send(Frame{Type: frameTypeNotification, Characteristic: charUUID, Data: hexData})
}

func (s *Server) EmitEvent(name, payloadJSON string) {
	s.send(Frame{Type: frameTypeEvent, Name: name, Payload: json.RawMessage(payloadJSON)})
}

// bridge.Picker implementation: the client renders the chooser.

func (s *Server) Show() {
	s.send(Frame{Type: frameTypePicker, Action: "show"})
}

func (s *Server) Update(devices []ble.Device) {
	list := make([]frameDevice, 0, len(devices))
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "Unknown"
		}
		list = append(list, frameDevice{ID: dev.Address, Name: name})
	}
	s.send(Frame{Type: frameTypePicker, Action: "update", Devices: list})
}

func (s *Server) Dismiss() {
	s.send(Frame{Type: frameTypePicker, Action: "dismiss"})
}
