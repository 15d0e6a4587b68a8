package bridge

import (
	"errors"
	"testing"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

func TestGetPairedDevices(t *testing.T) {
	f := newFixture(t, slowOptions())
	f.adapter.bonded = []ble.Device{
		{Address: "AA:01", Name: "POS-Terminal", Bond: ble.Bonded},
		{Address: "AA:02", Name: "", Bond: ble.Bonded},
	}

	f.bridge.GetPairedDevices("list-1")
	f.sync()

	cb := f.port.lastCallback(t)
	if cb.fn != "list-1" {
		t.Fatalf("callback token = %q, want list-1", cb.fn)
	}
	want := `{"success":true,"devices":[{"id":"AA:01","name":"POS-Terminal"},{"id":"AA:02","name":"Unknown"}]}`
	if cb.payload != want {
		t.Fatalf("payload = %s, want %s", cb.payload, want)
	}
}

func TestGetPairedDevicesEmpty(t *testing.T) {
	f := newFixture(t, slowOptions())

	f.bridge.GetPairedDevices("list-1")
	f.sync()

	if got := f.port.lastCallback(t).payload; got != `{"success":true,"devices":[]}` {
		t.Fatalf("payload = %s", got)
	}
}

func TestGetPairedDevicesFault(t *testing.T) {
	f := newFixture(t, slowOptions())
	f.adapter.bondedErr = errors.New("dbus unavailable")

	f.bridge.GetPairedDevices("list-1")
	f.sync()

	want := `{"success":false,"devices":[],"error":"Failed to get paired devices: dbus unavailable"}`
	if got := f.port.lastCallback(t).payload; got != want {
		t.Fatalf("payload = %s, want %s", got, want)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, slowOptions())
	if err := f.bridge.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := f.bridge.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseTearsDownActiveSessions(t *testing.T) {
	f := newFixture(t, slowOptions())

	f.bridge.RequestDevice(serviceFilters, "req-1")
	f.sync()
	connectReady(t, f, "AA:02", "conn-1")
	before := f.port.callbackCount()

	if err := f.bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if f.adapter.stopScanCalls != 1 {
		t.Fatalf("stopScanCalls = %d, want 1", f.adapter.stopScanCalls)
	}
	if f.adapter.gatt.closeCalls == 0 {
		t.Fatal("GATT handle not closed")
	}
	if f.picker.dismisses == 0 {
		t.Fatal("picker not dismissed")
	}
	if f.adapter.pairingObs != nil {
		t.Fatal("pairing observer not cleared")
	}
	// Pending tokens are dropped, not resolved.
	if f.port.callbackCount() != before {
		t.Fatalf("teardown resolved tokens: %+v", f.port.lastCallback(t))
	}
	if f.bridge.registry.Pending() != 0 {
		t.Fatalf("pending tokens = %d after close", f.bridge.registry.Pending())
	}
}

func TestOperationsAfterCloseFailFast(t *testing.T) {
	f := newFixture(t, slowOptions())
	if err := f.bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f.bridge.RequestDevice(serviceFilters, "req-1")
	expectError(t, f.port.lastCallback(t).payload, "bridge closed")

	f.bridge.ConnectGatt("AA:02", "conn-1")
	expectError(t, f.port.lastCallback(t).payload, "bridge closed")

	f.bridge.WriteCharacteristic(testService, testChar, "01", "w-1")
	if got := f.port.lastBool(t); got.token != "w-1" || got.ok {
		t.Fatalf("bool callback = %+v, want {w-1 false}", got)
	}

	f.bridge.StartNotifications(testService, testChar, "n-1")
	if got := f.port.lastBool(t); got.token != "n-1" || got.ok {
		t.Fatalf("bool callback = %+v, want {n-1 false}", got)
	}

	if f.adapter.startScanCalls != 0 || len(f.adapter.connectCalls) != 0 {
		t.Fatal("closed bridge reached the adapter")
	}
}

// TestFullSessionFlow walks the complete happy path: request, scan,
// select an unbonded device, pair, connect, subscribe, write, receive a
// notification, then observe the remote disconnect.
func TestFullSessionFlow(t *testing.T) {
	f := newFixture(t, fastOptions())

	f.bridge.RequestDevice(serviceFilters, "req-1")
	f.sync()
	f.adapter.scanning().OnScanResult(ble.Device{Address: "AA:02", Name: "POS-Terminal"})
	f.sync()
	f.bridge.SelectDevice("AA:02")
	f.sync()

	// Pairing: CreateBond put the device in Bonding; the poll loop picks
	// up Bonded on a later pass.
	f.adapter.setBondState("AA:02", ble.Bonded)
	waitFor(t, func() bool { return f.port.callbackCount() > 0 })
	env := decodeEnvelope(t, f.port.lastCallback(t).payload)
	if !env.Success {
		t.Fatalf("pairing result: %+v", env)
	}

	connectReady(t, f, "AA:02", "conn-1")

	f.bridge.StartNotifications(testService, testChar, "n-1")
	f.sync()
	f.adapter.observer().OnDescriptorWrite(testChar, ble.StatusSuccess)
	f.sync()
	if got := f.port.lastBool(t); !got.ok {
		t.Fatalf("subscribe failed: %+v", got)
	}

	f.bridge.WriteCharacteristic(testService, testChar, "A1B2", "w-1")
	f.sync()
	f.adapter.observer().OnCharacteristicWrite(testChar, ble.StatusSuccess)
	f.sync()
	if got := f.port.lastBool(t); !got.ok {
		t.Fatalf("write failed: %+v", got)
	}

	f.adapter.observer().OnCharacteristicChanged(testChar, []byte{0xFF})
	f.sync()
	f.port.mu.Lock()
	notifyCount := len(f.port.notifies)
	f.port.mu.Unlock()
	if notifyCount != 1 {
		t.Fatalf("notifies = %d, want 1", notifyCount)
	}

	f.adapter.observer().OnConnectionStateChange(false, ble.StatusSuccess)
	f.sync()
	f.port.mu.Lock()
	eventCount := len(f.port.events)
	f.port.mu.Unlock()
	if eventCount != 1 {
		t.Fatalf("events = %d, want 1 OnDeviceClose", eventCount)
	}
}
