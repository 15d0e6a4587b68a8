// Package bridge implements the BLE session state machine behind the
// Web-Bluetooth-style scripting surface: device discovery and
// selection, automatic pairing, GATT orchestration, and the token
// correlation layer that maps native asynchronous completions back to
// caller-specified identifiers.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

const errBridgeClosed = "bridge closed"

// ScriptPort delivers results and events back into the scripting
// environment. Implementations must be safe for concurrent use and
// must not block.
type ScriptPort interface {
	// InvokeCallback invokes the named global callback with an envelope
	// serialized as text.
	InvokeCallback(fn string, payloadJSON string)
	// InvokeBoolCallback resolves a write/notify completion handler.
	InvokeBoolCallback(token string, ok bool)
	// Notify forwards an inbound notification to the sink keyed by
	// characteristic UUID, as upper-case hex.
	Notify(charUUID string, hexData string)
	// EmitEvent announces a named event such as OnDeviceClose.
	EmitEvent(name string, payloadJSON string)
}

// Picker is the device selection surface. Rendering is out of scope;
// the bridge only drives its lifecycle and candidate list. Selections
// come back through SelectDevice and CancelSelection.
type Picker interface {
	Show()
	Update(devices []ble.Device)
	Dismiss()
}

// Options tune the bridge timings and filtering. Zero values fall back
// to the production defaults.
type Options struct {
	ScanTimeout      time.Duration          // radio scan duration
	BondPollInterval time.Duration          // bond state poll spacing
	MaxBondAttempts  int                    // bond polls before timing out
	NameFilter       func(name string) bool // nil allows any named device
}

// DefaultOptions returns the production timings: a 5 s scan window and
// 60 bond polls spaced 500 ms apart.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:      5 * time.Second,
		BondPollInterval: 500 * time.Millisecond,
		MaxBondAttempts:  60,
	}
}

// Bridge sequences ScanSession, PairingSession and GattSession, and is
// the only component that resolves caller tokens.
type Bridge struct {
	adapter  ble.Adapter
	port     ScriptPort
	picker   Picker
	opts     Options
	registry *Registry
	loop     *loop

	// closed marks the terminal state; it is read before marshaling so
	// post-teardown calls fail fast instead of faulting.
	closed atomic.Bool

	// Session state below is owned by the loop goroutine.
	scan    *scanSession
	pairing *pairingSession
	gatt    *gattSession
}

// New builds a bridge over the given adapter and collaborators. The
// pairing consent listener is registered here and lives until Close:
// the OS can surface a consent prompt before any pairing session's own
// polling begins.
func New(adapter ble.Adapter, port ScriptPort, picker Picker, opts Options) *Bridge {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 5 * time.Second
	}
	if opts.BondPollInterval <= 0 {
		opts.BondPollInterval = 500 * time.Millisecond
	}
	if opts.MaxBondAttempts <= 0 {
		opts.MaxBondAttempts = 60
	}
	b := &Bridge{
		adapter:  adapter,
		port:     port,
		picker:   picker,
		opts:     opts,
		registry: NewRegistry(),
		loop:     newLoop(),
	}
	adapter.SetPairingObserver(b.onPairingRequest)
	return b
}

// onPairingRequest auto-accepts just-works consent prompts for the
// whole bridge lifetime.
func (b *Bridge) onPairingRequest(req ble.PairingRequest) {
	if req.Variant != ble.VariantConsent {
		slog.Warn("[bridge] unsupported pairing variant", "device", req.Address, "variant", int(req.Variant))
		return
	}
	slog.Debug("[bridge] auto-confirming just-works pairing", "device", req.Address)
	if err := b.adapter.ConfirmPairing(req.Address); err != nil {
		slog.Error("[bridge] pairing confirmation failed", "device", req.Address, "error", err)
	}
}

// registerEnvelopeToken binds a caller token to an envelope delivery
// through the script port.
func (b *Bridge) registerEnvelopeToken(token string) {
	if token == "" {
		return
	}
	b.registry.Register(token, func(result any) {
		env, ok := result.(Envelope)
		if !ok {
			return
		}
		b.port.InvokeCallback(token, env.encode())
	})
}

func (b *Bridge) resolveError(token, msg string) {
	b.registry.Resolve(token, errorEnvelope(msg))
}

func (b *Bridge) resolveSuccess(token string, data any) {
	b.registry.Resolve(token, successEnvelope(data))
}

// RequestDevice mirrors navigator.bluetooth.requestDevice. filtersJSON
// carries {"services":[uuid,...]}; the first service UUID is recorded
// for protocol fidelity while actual candidate filtering is by device
// name.
func (b *Bridge) RequestDevice(filtersJSON, token string) {
	b.registerEnvelopeToken(token)
	if b.closed.Load() {
		b.resolveError(token, errBridgeClosed)
		return
	}
	b.loop.post(func() { b.requestDevice(filtersJSON, token) })
}

func (b *Bridge) requestDevice(filtersJSON, token string) {
	slog.Debug("[bridge] requestDevice", "filters", filtersJSON)
	if !b.adapter.Enabled() {
		b.resolveError(token, "Bluetooth not available or disabled")
		return
	}
	var filters struct {
		Services []string `json:"services"`
	}
	if err := json.Unmarshal([]byte(filtersJSON), &filters); err != nil {
		b.resolveError(token, "Invalid filters format: "+err.Error())
		return
	}
	if len(filters.Services) == 0 {
		b.resolveError(token, "No service filters provided")
		return
	}
	slog.Debug("[bridge] scanning for service", "uuid", filters.Services[0])
	b.beginScan(token)
}

// SelectDevice reports a user selection from the picker. Valid while a
// scan session is open, before or after the scan timeout.
func (b *Bridge) SelectDevice(address string) {
	if b.closed.Load() {
		return
	}
	b.loop.post(func() {
		if b.scan == nil {
			slog.Warn("[bridge] selection with no scan session", "address", address)
			return
		}
		b.scan.selectDevice(address)
	})
}

// CancelSelection reports that the user dismissed the picker.
func (b *Bridge) CancelSelection() {
	if b.closed.Load() {
		return
	}
	b.loop.post(func() {
		if b.scan == nil {
			return
		}
		b.scan.cancel()
	})
}

// ConnectGatt opens the GATT session for a previously selected device,
// closing any prior session's handle first.
func (b *Bridge) ConnectGatt(deviceID, token string) {
	b.registerEnvelopeToken(token)
	if b.closed.Load() {
		b.resolveError(token, errBridgeClosed)
		return
	}
	b.loop.post(func() { b.connectGatt(deviceID, token) })
}

// WriteCharacteristic issues a characteristic write. The caller token
// resolves with the native success flag; failures before the native
// write resolve false without occupying the pending slot.
func (b *Bridge) WriteCharacteristic(serviceUUID, charUUID, hexData, token string) {
	if b.closed.Load() {
		b.port.InvokeBoolCallback(token, false)
		return
	}
	b.loop.post(func() { b.writeCharacteristic(serviceUUID, charUUID, hexData, token) })
}

// StartNotifications subscribes to a characteristic. The caller token
// resolves with the native success flag of the CCCD write.
func (b *Bridge) StartNotifications(serviceUUID, charUUID, token string) {
	if b.closed.Load() {
		b.port.InvokeBoolCallback(token, false)
		return
	}
	b.loop.post(func() { b.startNotifications(serviceUUID, charUUID, token) })
}

// Disconnect requests GATT disconnection; actual teardown happens on
// the asynchronous disconnected event.
func (b *Bridge) Disconnect() {
	if b.closed.Load() {
		return
	}
	b.loop.post(func() {
		if b.gatt == nil || b.gatt.handle == nil {
			return
		}
		slog.Info("[bridge] initiating GATT disconnect")
		b.gatt.handle.Disconnect()
	})
}

// GetPairedDevices enumerates bonded LE devices. Faults resolve the
// token with an empty list plus the error flag.
func (b *Bridge) GetPairedDevices(token string) {
	if token == "" {
		return
	}
	b.registry.Register(token, func(result any) {
		res, ok := result.(pairedDevicesResult)
		if !ok {
			return
		}
		b.port.InvokeCallback(token, res.encode())
	})
	if b.closed.Load() {
		b.registry.Resolve(token, pairedDevicesResult{Devices: []deviceData{}, Error: errBridgeClosed})
		return
	}
	b.loop.post(func() { b.getPairedDevices(token) })
}

func (b *Bridge) getPairedDevices(token string) {
	devices, err := b.adapter.BondedDevices()
	list := make([]deviceData, 0, len(devices))
	for _, dev := range devices {
		list = append(list, deviceData{ID: dev.Address, Name: displayName(dev)})
	}
	result := pairedDevicesResult{Success: err == nil, Devices: list}
	if err != nil {
		slog.Error("[bridge] paired device enumeration failed", "error", err)
		result.Error = "Failed to get paired devices: " + err.Error()
	}
	b.registry.Resolve(token, result)
}

// Close tears the bridge down in order: active scan, timers, picker,
// consent listener, GATT handle, then every pending token (dropped
// unresolved). The bridge is inert afterwards; operations fail fast
// with a closed error. Close is idempotent.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.loop.post(func() {
		if b.scan != nil {
			b.scan.stopRadio()
			b.scan = nil
		}
		if b.pairing != nil {
			b.pairing.finish()
		}
		b.picker.Dismiss()
		b.adapter.SetPairingObserver(nil)
		if b.gatt != nil {
			g := b.gatt
			b.gatt = nil
			g.connected.Store(false)
			if g.handle != nil {
				if err := g.handle.Close(); err != nil {
					slog.Error("[bridge] close GATT during teardown", "error", err)
				}
			}
		}
		b.registry.DropAll()
	})
	b.loop.stop()
	slog.Info("[bridge] closed")
	return nil
}
