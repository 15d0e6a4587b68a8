package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kwickpos/webble-bridge/internal/ble"
	"github.com/kwickpos/webble-bridge/internal/hexutil"
)

// gattState tracks the connection lifecycle of a gattSession.
type gattState int

const (
	gattDisconnected gattState = iota
	gattConnecting
	gattConnected
	gattDiscovering
	gattReady
)

// gattSession owns the single live GATT connection: connect, service
// discovery, writes, notification subscriptions, and inbound
// notification dispatch. Exactly zero or one session exists; a new
// connect forcibly closes the prior session's native handle first.
type gattSession struct {
	b        *Bridge
	deviceID string
	handle   ble.Gatt
	state    gattState

	// connected is read from caller goroutines before marshaling.
	connected atomic.Bool

	connectToken string

	// Single-slot pending tokens, one in-flight operation per kind. A
	// second request while a slot is occupied fails fast rather than
	// orphaning the earlier caller's token.
	pendingWrite  string
	pendingNotify string
}

// connectGatt runs on the loop. The token has already been registered.
func (b *Bridge) connectGatt(deviceID, token string) {
	slog.Info("[bridge] connecting", "device", deviceID)

	// Only one native handle may be open at a time.
	b.closeGattHandle()

	g := &gattSession{b: b, deviceID: deviceID, state: gattConnecting, connectToken: token}
	handle, err := b.adapter.Connect(deviceID, g)
	if err != nil {
		slog.Error("[bridge] connect failed", "device", deviceID, "error", err)
		b.resolveError(token, "Device not found")
		return
	}
	g.handle = handle
	b.gatt = g
}

// closeGattHandle force-closes the current session's native handle,
// swallowing close errors, and fails its in-flight tokens. Runs on the
// loop.
func (b *Bridge) closeGattHandle() {
	prior := b.gatt
	if prior == nil {
		return
	}
	b.gatt = nil
	prior.connected.Store(false)
	prior.state = gattDisconnected
	if prior.handle != nil {
		slog.Warn("[bridge] closing existing GATT connection", "device", prior.deviceID)
		if err := prior.handle.Close(); err != nil {
			slog.Error("[bridge] close existing GATT", "error", err)
		}
	}
	prior.failPending("Disconnected")
}

// failPending resolves any in-flight tokens as failed: the connect
// token with an error envelope, write/notify slots with false.
func (g *gattSession) failPending(reason string) {
	if g.connectToken != "" {
		token := g.connectToken
		g.connectToken = ""
		g.b.resolveError(token, reason)
	}
	if g.pendingWrite != "" {
		g.b.registry.Resolve(g.pendingWrite, false)
		g.pendingWrite = ""
	}
	if g.pendingNotify != "" {
		g.b.registry.Resolve(g.pendingNotify, false)
		g.pendingNotify = ""
	}
}

// ble.GattObserver implementation. Callbacks may fire on any goroutine
// and hand off to the loop before touching session state.

func (g *gattSession) OnConnectionStateChange(connected bool, status ble.Status) {
	g.b.loop.post(func() { g.handleConnectionStateChange(connected, status) })
}

func (g *gattSession) OnServicesDiscovered(status ble.Status) {
	g.b.loop.post(func() { g.handleServicesDiscovered(status) })
}

func (g *gattSession) OnCharacteristicWrite(charUUID string, status ble.Status) {
	g.b.loop.post(func() { g.handleCharacteristicWrite(charUUID, status) })
}

func (g *gattSession) OnDescriptorWrite(charUUID string, status ble.Status) {
	g.b.loop.post(func() { g.handleDescriptorWrite(charUUID, status) })
}

func (g *gattSession) OnCharacteristicChanged(charUUID string, value []byte) {
	g.b.loop.post(func() { g.handleCharacteristicChanged(charUUID, value) })
}

func (g *gattSession) handleConnectionStateChange(connected bool, status ble.Status) {
	if g.b.gatt != g {
		return
	}
	if connected {
		slog.Info("[bridge] connected to GATT server", "device", g.deviceID, "status", int(status))
		g.state = gattConnected
		g.connected.Store(true)
		if err := g.handle.DiscoverServices(); err != nil {
			slog.Error("[bridge] failed to start service discovery", "error", err)
			token := g.connectToken
			g.connectToken = ""
			g.b.resolveError(token, "Failed to start service discovery")
			// Connected but unready; the session stays up until the peer
			// or the caller disconnects.
			return
		}
		g.state = gattDiscovering
		return
	}

	slog.Info("[bridge] disconnected from GATT server", "device", g.deviceID, "status", int(status))
	g.connected.Store(false)
	g.state = gattDisconnected
	g.b.gatt = nil
	if g.handle != nil {
		if err := g.handle.Close(); err != nil {
			slog.Error("[bridge] close GATT handle", "error", err)
		}
	}

	payload, _ := json.Marshal(map[string]any{"device": map[string]string{"id": g.deviceID}})
	g.b.port.EmitEvent("OnDeviceClose", string(payload))

	if g.connectToken != "" {
		token := g.connectToken
		g.connectToken = ""
		g.b.resolveError(token, fmt.Sprintf("Connection failed: %d", int(status)))
	}
	// A disconnect mid-operation fails the in-flight slots.
	if g.pendingWrite != "" {
		g.b.registry.Resolve(g.pendingWrite, false)
		g.pendingWrite = ""
	}
	if g.pendingNotify != "" {
		g.b.registry.Resolve(g.pendingNotify, false)
		g.pendingNotify = ""
	}
}

func (g *gattSession) handleServicesDiscovered(status ble.Status) {
	if g.b.gatt != g {
		return
	}
	token := g.connectToken
	g.connectToken = ""
	if status != ble.StatusSuccess {
		slog.Error("[bridge] service discovery failed", "status", int(status))
		if token != "" {
			g.b.resolveError(token, "Service discovery failed")
		}
		return
	}
	g.state = gattReady
	slog.Info("[bridge] services discovered", "device", g.deviceID)
	if token != "" {
		g.b.resolveSuccess(token, connectData{Connected: true, DeviceID: g.deviceID})
	}
}

// writeCharacteristic runs on the loop. Anything failing before the
// native write resolves the caller token false without occupying the
// pending slot.
func (b *Bridge) writeCharacteristic(serviceUUID, charUUID, hexData, token string) {
	g := b.gatt
	if g == nil || !g.connected.Load() {
		b.port.InvokeBoolCallback(token, false)
		return
	}
	data, err := hexutil.Decode(hexData)
	if err != nil {
		slog.Error("[bridge] invalid hex payload", "error", err)
		b.port.InvokeBoolCallback(token, false)
		return
	}
	if g.pendingWrite != "" {
		slog.Warn("[bridge] write rejected, previous write still pending")
		b.port.InvokeBoolCallback(token, false)
		return
	}

	internal := b.registry.NextToken()
	b.registry.Register(internal, func(result any) {
		ok, _ := result.(bool)
		b.port.InvokeBoolCallback(token, ok)
	})
	g.pendingWrite = internal

	if err := g.handle.WriteCharacteristic(serviceUUID, charUUID, data); err != nil {
		slog.Error("[bridge] characteristic write rejected", "characteristic", charUUID, "error", err)
		g.pendingWrite = ""
		b.registry.Drop(internal)
		b.port.InvokeBoolCallback(token, false)
	}
}

func (g *gattSession) handleCharacteristicWrite(charUUID string, status ble.Status) {
	if g.b.gatt != g || g.pendingWrite == "" {
		return
	}
	token := g.pendingWrite
	g.pendingWrite = ""
	if status != ble.StatusSuccess {
		slog.Error("[bridge] characteristic write failed", "characteristic", charUUID, "status", int(status))
	} else {
		slog.Debug("[bridge] characteristic write successful", "characteristic", charUUID)
	}
	g.b.registry.Resolve(token, status == ble.StatusSuccess)
}

// startNotifications runs on the loop. Local-enable or descriptor
// resolution failure resolves false before any native descriptor write.
func (b *Bridge) startNotifications(serviceUUID, charUUID, token string) {
	g := b.gatt
	if g == nil || !g.connected.Load() {
		b.port.InvokeBoolCallback(token, false)
		return
	}
	if g.pendingNotify != "" {
		slog.Warn("[bridge] notification request rejected, previous request still pending")
		b.port.InvokeBoolCallback(token, false)
		return
	}

	internal := b.registry.NextToken()
	b.registry.Register(internal, func(result any) {
		ok, _ := result.(bool)
		b.port.InvokeBoolCallback(token, ok)
	})
	g.pendingNotify = internal

	slog.Debug("[bridge] enabling notifications", "characteristic", charUUID)
	if err := g.handle.EnableNotifications(serviceUUID, charUUID); err != nil {
		slog.Error("[bridge] enable notifications rejected", "characteristic", charUUID, "error", err)
		g.pendingNotify = ""
		b.registry.Drop(internal)
		b.port.InvokeBoolCallback(token, false)
	}
}

func (g *gattSession) handleDescriptorWrite(charUUID string, status ble.Status) {
	if g.b.gatt != g || g.pendingNotify == "" {
		return
	}
	token := g.pendingNotify
	g.pendingNotify = ""
	if status != ble.StatusSuccess {
		slog.Error("[bridge] descriptor write failed", "characteristic", charUUID, "status", int(status))
	} else {
		slog.Debug("[bridge] notifications enabled", "characteristic", charUUID)
	}
	g.b.registry.Resolve(token, status == ble.StatusSuccess)
}

// handleCharacteristicChanged forwards an inbound value to the
// per-characteristic sink. No token, no buffering; the sink consumes
// synchronously.
func (g *gattSession) handleCharacteristicChanged(charUUID string, value []byte) {
	if g.b.gatt != g {
		return
	}
	g.b.port.Notify(charUUID, hexutil.Encode(value))
}
