package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// NativeAdapter implements Adapter over tinygo.org/x/bluetooth for radio
// scanning and GATT, delegating bonding concerns to a BlueZ D-Bus
// backend (tinygo/bluetooth does not expose bond management).
type NativeAdapter struct {
	adapter *bluetooth.Adapter
	bluez   *bluezBackend
	enabled bool

	// mu protects scanning and the connections map.
	mu          sync.Mutex
	scanning    bool
	connections map[string]*nativeGatt // keyed by device address
}

// NewNativeAdapter enables the default adapter and connects the BlueZ
// bonding backend.
func NewNativeAdapter() (*NativeAdapter, error) {
	a := &NativeAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*nativeGatt),
	}
	if err := a.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	a.enabled = true

	bz, err := newBluezBackend()
	if err != nil {
		return nil, fmt.Errorf("ble: bluez backend: %w", err)
	}
	a.bluez = bz

	// Route adapter-level disconnect events to the observer of the
	// connection that owns the peripheral.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if conn != nil {
			conn.obs.OnConnectionStateChange(false, StatusSuccess)
		}
	})
	return a, nil
}

func (a *NativeAdapter) Enabled() bool { return a.enabled }

func (a *NativeAdapter) StartScan(obs ScanObserver) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return ErrAlreadyScanning
	}
	a.scanning = true
	a.mu.Unlock()

	// adapter.Scan blocks until StopScan, so it runs on its own
	// goroutine and feeds the observer from there.
	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			obs.OnScanResult(Device{
				Address: addr,
				Name:    result.LocalName(),
				Bond:    a.bluez.bondState(addr),
			})
		})
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		if err != nil {
			slog.Error("[ble] scan terminated", "error", err)
			obs.OnScanFailed(int(StatusFailure))
		}
	}()
	return nil
}

func (a *NativeAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

func (a *NativeAdapter) Connect(address string, obs GattObserver) (Gatt, error) {
	var addr bluetooth.Address
	addr.Set(address)

	device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	g := &nativeGatt{
		address:  address,
		device:   device,
		obs:      obs,
		services: make(map[string]bool),
		chars:    make(map[string]bluetooth.DeviceCharacteristic),
	}
	a.mu.Lock()
	a.connections[address] = g
	a.mu.Unlock()

	// tinygo's Connect returns once the link is up; surface that as the
	// asynchronous connected event the observer contract promises.
	go obs.OnConnectionStateChange(true, StatusSuccess)
	return g, nil
}

func (a *NativeAdapter) BondState(address string) BondState {
	return a.bluez.bondState(address)
}

func (a *NativeAdapter) CreateBond(address string) error {
	return a.bluez.createBond(address)
}

func (a *NativeAdapter) ConfirmPairing(address string) error {
	return a.bluez.confirmPairing(address)
}

func (a *NativeAdapter) SetPairingObserver(fn func(PairingRequest)) {
	a.bluez.setPairingObserver(fn)
}

func (a *NativeAdapter) BondedDevices() ([]Device, error) {
	return a.bluez.bondedDevices()
}

// Close releases the BlueZ backend. Open GATT handles are closed by
// their owning sessions.
func (a *NativeAdapter) Close() error {
	return a.bluez.close()
}

// Compile-time check that NativeAdapter implements Adapter.
var _ Adapter = (*NativeAdapter)(nil)

// nativeGatt is one tinygo/bluetooth connection with its discovered
// characteristic handles cached by service/characteristic UUID.
type nativeGatt struct {
	address string
	device  bluetooth.Device
	obs     GattObserver

	mu       sync.Mutex
	services map[string]bool
	chars    map[string]bluetooth.DeviceCharacteristic
}

func charKey(serviceUUID, charUUID string) string {
	return strings.ToLower(serviceUUID) + "/" + strings.ToLower(charUUID)
}

func (g *nativeGatt) DiscoverServices() error {
	go func() {
		svcs, err := g.device.DiscoverServices(nil)
		if err != nil {
			slog.Error("[ble] service discovery failed", "device", g.address, "error", err)
			g.obs.OnServicesDiscovered(StatusFailure)
			return
		}
		g.mu.Lock()
		for i := range svcs {
			svcUUID := svcs[i].UUID().String()
			g.services[strings.ToLower(svcUUID)] = true
			chars, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[ble] characteristic discovery failed", "service", svcUUID, "error", err)
				continue
			}
			for j := range chars {
				g.chars[charKey(svcUUID, chars[j].UUID().String())] = chars[j]
			}
		}
		g.mu.Unlock()
		g.obs.OnServicesDiscovered(StatusSuccess)
	}()
	return nil
}

// lookup resolves a cached characteristic handle, distinguishing a
// missing service from a missing characteristic.
func (g *nativeGatt) lookup(serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.services[strings.ToLower(serviceUUID)] {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
	}
	ch, ok := g.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}
	return ch, nil
}

func (g *nativeGatt) WriteCharacteristic(serviceUUID, charUUID string, value []byte) error {
	ch, err := g.lookup(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	go func() {
		if _, err := ch.WriteWithoutResponse(value); err != nil {
			slog.Error("[ble] characteristic write failed", "characteristic", charUUID, "error", err)
			g.obs.OnCharacteristicWrite(charUUID, StatusFailure)
			return
		}
		g.obs.OnCharacteristicWrite(charUUID, StatusSuccess)
	}()
	return nil
}

func (g *nativeGatt) EnableNotifications(serviceUUID, charUUID string) error {
	ch, err := g.lookup(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	go func() {
		// tinygo writes the CCCD as part of EnableNotifications; its
		// return collapses the local-enable and descriptor-write steps.
		err := ch.EnableNotifications(func(buf []byte) {
			g.obs.OnCharacteristicChanged(charUUID, buf)
		})
		if err != nil {
			slog.Error("[ble] enable notifications failed", "characteristic", charUUID, "error", err)
			g.obs.OnDescriptorWrite(charUUID, StatusFailure)
			return
		}
		g.obs.OnDescriptorWrite(charUUID, StatusSuccess)
	}()
	return nil
}

func (g *nativeGatt) Disconnect() {
	if err := g.device.Disconnect(); err != nil {
		slog.Warn("[ble] disconnect", "device", g.address, "error", err)
	}
}

func (g *nativeGatt) Close() error {
	// tinygo has no separate close; dropping the link releases the
	// native handle.
	return g.device.Disconnect()
}

// Compile-time check that nativeGatt implements Gatt.
var _ Gatt = (*nativeGatt)(nil)
