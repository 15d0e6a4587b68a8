// Package ble abstracts the platform Bluetooth LE stack behind small
// interfaces so the bridge logic can be driven by mocks in tests. The
// production implementation combines tinygo.org/x/bluetooth for radio
// scanning and GATT with BlueZ over D-Bus for bonding and pairing
// consent.
package ble

import "errors"

// CCCDUUID is the Client Characteristic Configuration Descriptor,
// written to enable notifications.
const CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"

// BondState mirrors the platform bond state of a remote device.
type BondState int

const (
	BondNone BondState = iota
	Bonding
	Bonded
)

func (s BondState) String() string {
	switch s {
	case Bonding:
		return "bonding"
	case Bonded:
		return "bonded"
	default:
		return "none"
	}
}

// Status is a native GATT status code. Zero means success.
type Status int

const (
	// StatusSuccess is the native success status.
	StatusSuccess Status = 0
	// StatusFailure is the generic native failure status.
	StatusFailure Status = 1
)

// Device is a remote BLE peripheral. Identity is the address; the name
// may be absent or change between scans.
type Device struct {
	Address string
	Name    string
	Bond    BondState
}

// PairingVariant identifies the kind of consent a pairing request asks
// for.
type PairingVariant int

// VariantConsent is the "just works" variant: confirmation only, no
// passkey entry.
const VariantConsent PairingVariant = 3

// PairingRequest is surfaced when the OS asks for pairing consent.
type PairingRequest struct {
	Address string
	Variant PairingVariant
}

// ScanObserver receives radio discovery events. Callbacks may fire on
// any goroutine.
type ScanObserver interface {
	OnScanResult(dev Device)
	OnScanFailed(code int)
}

// GattObserver receives events for one GATT connection. Callbacks may
// fire on any goroutine.
type GattObserver interface {
	OnConnectionStateChange(connected bool, status Status)
	OnServicesDiscovered(status Status)
	OnCharacteristicWrite(charUUID string, status Status)
	OnDescriptorWrite(charUUID string, status Status)
	OnCharacteristicChanged(charUUID string, value []byte)
}

// Gatt is one live connection to a peripheral. Methods return an error
// only for synchronous rejection; completion always arrives through the
// observer passed to Adapter.Connect.
type Gatt interface {
	// DiscoverServices requests service discovery. Completion arrives via
	// OnServicesDiscovered.
	DiscoverServices() error
	// WriteCharacteristic issues a write to the characteristic identified
	// by service and characteristic UUID. Completion arrives via
	// OnCharacteristicWrite.
	WriteCharacteristic(serviceUUID, charUUID string, value []byte) error
	// EnableNotifications turns on local change notification and writes
	// the CCCD enable value. Completion arrives via OnDescriptorWrite;
	// inbound values arrive via OnCharacteristicChanged.
	EnableNotifications(serviceUUID, charUUID string) error
	// Disconnect requests disconnection. Teardown arrives asynchronously
	// via OnConnectionStateChange.
	Disconnect()
	// Close releases the native handle without waiting for events.
	Close() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enabled reports whether the radio is present and powered.
	Enabled() bool
	// StartScan begins a discovery pass feeding obs. At most one scan may
	// be active per adapter.
	StartScan(obs ScanObserver) error
	// StopScan ends the active discovery pass. Stopping an inactive scan
	// is a benign no-op.
	StopScan() error
	// Connect opens a GATT connection to the device with the given
	// address.
	Connect(address string, obs GattObserver) (Gatt, error)
	// BondState reports the current bond state of the device.
	BondState(address string) BondState
	// CreateBond starts bonding with the device. An error means bonding
	// could not even be initiated.
	CreateBond(address string) error
	// ConfirmPairing answers an outstanding pairing consent prompt for
	// the device.
	ConfirmPairing(address string) error
	// SetPairingObserver installs the long-lived consent listener. Pass
	// nil to remove it.
	SetPairingObserver(fn func(PairingRequest))
	// BondedDevices enumerates bonded LE-capable devices.
	BondedDevices() ([]Device, error)
}

// Sentinel errors for synchronous native rejection.
var (
	ErrAdapterUnavailable     = errors.New("ble: adapter unavailable")
	ErrAlreadyScanning        = errors.New("ble: scan already in progress")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrNotConnected           = errors.New("ble: not connected")
	ErrRejected               = errors.New("ble: native call rejected")
)
