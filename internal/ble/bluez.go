package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService      = "org.bluez"
	bluezRootPath     = dbus.ObjectPath("/org/bluez")
	deviceIface       = "org.bluez.Device1"
	adapterIface      = "org.bluez.Adapter1"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	objManagerIface   = "org.freedesktop.DBus.ObjectManager"
	propsIface        = "org.freedesktop.DBus.Properties"

	agentPath = dbus.ObjectPath("/com/kwickpos/webble_bridge/agent")

	// consentWindow bounds how long an unanswered consent prompt holds
	// the BlueZ agent call open.
	consentWindow = 30 * time.Second
)

// bluezBackend covers the bonding concerns tinygo/bluetooth does not
// expose: bond state queries, bond creation, the pairing consent agent,
// and bonded device enumeration.
type bluezBackend struct {
	bus         *dbus.Conn
	adapterPath dbus.ObjectPath

	mu       sync.Mutex
	observer func(PairingRequest)
	pairing  map[string]bool      // addresses with Pair() in flight
	consents map[string]chan bool // addresses awaiting ConfirmPairing
}

// newBluezBackend connects the system bus, registers the consent agent
// as the default agent, and locates the first adapter.
func newBluezBackend() (*bluezBackend, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}

	b := &bluezBackend{
		bus:      bus,
		pairing:  make(map[string]bool),
		consents: make(map[string]chan bool),
	}

	adapterPath, err := firstAdapterPath(bus)
	if err != nil {
		bus.Close()
		return nil, err
	}
	b.adapterPath = adapterPath

	if err := bus.Export(&bluezAgent{b: b}, agentPath, agentIface); err != nil {
		bus.Close()
		return nil, fmt.Errorf("ble: export agent: %w", err)
	}
	mgr := bus.Object(bluezService, bluezRootPath)
	if call := mgr.Call(agentManagerIface+".RegisterAgent", 0, agentPath, "KeyboardDisplay"); call.Err != nil {
		bus.Close()
		return nil, fmt.Errorf("ble: RegisterAgent: %w", call.Err)
	}
	if call := mgr.Call(agentManagerIface+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		slog.Warn("[ble] RequestDefaultAgent failed", "error", call.Err)
	}

	slog.Debug("[ble] bluez backend ready", "adapter", string(adapterPath))
	return b, nil
}

func (b *bluezBackend) close() error {
	mgr := b.bus.Object(bluezService, bluezRootPath)
	if call := mgr.Call(agentManagerIface+".UnregisterAgent", 0, agentPath); call.Err != nil {
		slog.Warn("[ble] UnregisterAgent failed", "error", call.Err)
	}
	return b.bus.Close()
}

func (b *bluezBackend) setPairingObserver(fn func(PairingRequest)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// devicePath maps an address to its BlueZ object path, e.g.
// .../hci0/dev_AA_BB_CC_DD_EE_FF.
func (b *bluezBackend) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func addrFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

func (b *bluezBackend) bondState(address string) BondState {
	obj := b.bus.Object(bluezService, b.devicePath(address))
	call := obj.Call(propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err == nil {
		var paired dbus.Variant
		if err := call.Store(&paired); err == nil {
			if v, ok := paired.Value().(bool); ok && v {
				return Bonded
			}
		}
	}
	b.mu.Lock()
	inFlight := b.pairing[address]
	b.mu.Unlock()
	if inFlight {
		return Bonding
	}
	return BondNone
}

// createBond starts Device1.Pair on its own goroutine; Pair blocks until
// the handshake settles while callers poll bondState.
func (b *bluezBackend) createBond(address string) error {
	path := b.devicePath(address)
	obj := b.bus.Object(bluezService, path)

	// A device object must exist before Pair can be called; a missing
	// object is a synchronous initiation failure.
	if call := obj.Call(propsIface+".Get", 0, deviceIface, "Address"); call.Err != nil {
		return fmt.Errorf("ble: device %s not known to bluez: %w", address, call.Err)
	}

	b.mu.Lock()
	if b.pairing[address] {
		b.mu.Unlock()
		return nil
	}
	b.pairing[address] = true
	b.mu.Unlock()

	go func() {
		err := obj.Call(deviceIface+".Pair", 0).Err
		b.mu.Lock()
		delete(b.pairing, address)
		b.mu.Unlock()
		if err != nil {
			slog.Warn("[ble] pair finished with error", "device", address, "error", err)
		}
	}()
	return nil
}

func (b *bluezBackend) confirmPairing(address string) error {
	b.mu.Lock()
	ch, ok := b.consents[address]
	delete(b.consents, address)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: no pending consent for %s", address)
	}
	ch <- true
	return nil
}

// awaitConsent surfaces the prompt to the observer and blocks the agent
// call until the bridge confirms or the window elapses.
func (b *bluezBackend) awaitConsent(device dbus.ObjectPath) bool {
	address := addrFromPath(device)
	if address == "" {
		return false
	}

	ch := make(chan bool, 1)
	b.mu.Lock()
	b.consents[address] = ch
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer(PairingRequest{Address: address, Variant: VariantConsent})
	}

	select {
	case ok := <-ch:
		return ok
	case <-time.After(consentWindow):
		b.mu.Lock()
		delete(b.consents, address)
		b.mu.Unlock()
		slog.Warn("[ble] consent prompt timed out", "device", address)
		return false
	}
}

func (b *bluezBackend) bondedDevices() ([]Device, error) {
	obj := b.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: decode GetManagedObjects: %w", err)
	}

	var out []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if v, ok := props["Paired"]; !ok || v.Value() != true {
			continue
		}
		// AddressType is only present on LE-capable devices; classic-only
		// entries are skipped.
		if _, ok := props["AddressType"]; !ok {
			continue
		}
		dev := Device{Address: addrFromPath(path), Bond: Bonded}
		if v, ok := props["Address"]; ok {
			if s, ok := v.Value().(string); ok && s != "" {
				dev.Address = s
			}
		}
		if v, ok := props["Name"]; ok {
			dev.Name, _ = v.Value().(string)
		}
		if dev.Address == "" {
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

func firstAdapterPath(bus *dbus.Conn) (dbus.ObjectPath, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return "", fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return "", fmt.Errorf("ble: decode GetManagedObjects: %w", err)
	}
	best := dbus.ObjectPath("")
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			if best == "" || path < best {
				best = path
			}
		}
	}
	if best == "" {
		return "", ErrAdapterUnavailable
	}
	return best, nil
}

// bluezAgent implements org.bluez.Agent1. Just-works consent prompts
// are forwarded to the backend observer; anything requiring passkey
// entry is rejected.
type bluezAgent struct {
	b *bluezBackend
}

func (a *bluezAgent) Release() *dbus.Error { return nil }

func (a *bluezAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	slog.Debug("[ble] pairing confirmation requested", "device", string(device), "passkey", passkey)
	if a.b.awaitConsent(device) {
		return nil
	}
	return &dbus.Error{Name: "org.bluez.Error.Rejected"}
}

func (a *bluezAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	slog.Debug("[ble] pairing authorization requested", "device", string(device))
	if a.b.awaitConsent(device) {
		return nil
	}
	return &dbus.Error{Name: "org.bluez.Error.Rejected"}
}

func (a *bluezAgent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return nil
}

func (a *bluezAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	return "", &dbus.Error{Name: "org.bluez.Error.Rejected"}
}

func (a *bluezAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return 0, &dbus.Error{Name: "org.bluez.Error.Rejected"}
}

func (a *bluezAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return nil
}

func (a *bluezAgent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return nil
}

func (a *bluezAgent) Cancel() *dbus.Error { return nil }
