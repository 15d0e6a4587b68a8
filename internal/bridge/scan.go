package bridge

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

// scanSession owns one discovery pass: radio start/stop, the name allow
// filter, dedup by address, and termination by selection, cancel,
// timeout, or native scan failure. At most one session exists at a
// time; a concurrent request fails fast instead of queuing.
type scanSession struct {
	b     *Bridge
	token string

	// active mirrors whether the radio scan is running; it is read from
	// native callback goroutines before they marshal onto the loop.
	active atomic.Bool

	// discovered is append-only while the session lives; insertion order
	// is discovery order, deduplicated by address.
	discovered []ble.Device
	seen       map[string]bool

	timeout *time.Timer
}

// beginScan runs on the loop. The token has already been registered.
func (b *Bridge) beginScan(token string) {
	if b.scan != nil {
		b.resolveError(token, "Scan already in progress")
		return
	}

	s := &scanSession{b: b, token: token, seen: make(map[string]bool)}
	if err := b.adapter.StartScan(s); err != nil {
		slog.Error("[bridge] start scan failed", "error", err)
		b.resolveError(token, "Bluetooth scanner not available")
		return
	}
	s.active.Store(true)
	b.scan = s
	b.picker.Show()
	s.timeout = b.loop.postDelayed(b.opts.ScanTimeout, s.onTimeout)
	slog.Info("[bridge] scan started", "timeout", b.opts.ScanTimeout)
}

// OnScanResult implements ble.ScanObserver. It may fire on any
// goroutine and hands off to the loop before touching session state.
func (s *scanSession) OnScanResult(dev ble.Device) {
	if !s.active.Load() {
		return
	}
	s.b.loop.post(func() { s.handleResult(dev) })
}

// OnScanFailed implements ble.ScanObserver.
func (s *scanSession) OnScanFailed(code int) {
	s.b.loop.post(func() { s.handleScanFailed(code) })
}

func (s *scanSession) handleResult(dev ble.Device) {
	if s.b.scan != s || !s.active.Load() {
		return
	}
	if dev.Name == "" {
		return
	}
	if filter := s.b.opts.NameFilter; filter != nil && !filter(dev.Name) {
		return
	}
	if s.seen[dev.Address] {
		return
	}
	s.seen[dev.Address] = true
	s.discovered = append(s.discovered, dev)
	slog.Debug("[bridge] device found", "name", dev.Name, "address", dev.Address)
	s.b.picker.Update(append([]ble.Device(nil), s.discovered...))
}

// stopRadio halts the scan and its timeout timer. The timeout/cancel
// race means the native stop can hit an already-stopped scan; that is
// benign.
func (s *scanSession) stopRadio() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if !s.active.Swap(false) {
		return
	}
	if err := s.b.adapter.StopScan(); err != nil {
		slog.Warn("[bridge] stop scan", "error", err)
	}
}

func (s *scanSession) onTimeout() {
	if s.b.scan != s {
		return
	}
	s.stopRadio()
	if len(s.discovered) == 0 {
		slog.Info("[bridge] scan timed out with no devices")
		s.b.picker.Dismiss()
		s.b.scan = nil
		s.b.resolveError(s.token, "No devices found")
		return
	}
	// Candidates stay visible; the session remains open for manual
	// selection after the radio stops.
	slog.Info("[bridge] scan timed out", "candidates", len(s.discovered))
}

func (s *scanSession) cancel() {
	s.stopRadio()
	s.b.picker.Dismiss()
	s.b.scan = nil
	s.b.resolveError(s.token, "User cancelled device selection")
}

func (s *scanSession) handleScanFailed(code int) {
	if s.b.scan != s {
		return
	}
	slog.Error("[bridge] scan failed", "code", code)
	s.active.Store(false)
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	s.b.picker.Dismiss()
	s.b.scan = nil
	s.b.resolveError(s.token, fmt.Sprintf("Scan failed: %d", code))
}

// selectDevice finishes the pass for a user-chosen candidate. Unknown
// addresses are ignored so a stale picker cannot derail the session.
func (s *scanSession) selectDevice(address string) {
	var dev ble.Device
	found := false
	for _, d := range s.discovered {
		if d.Address == address {
			dev = d
			found = true
			break
		}
	}
	if !found {
		slog.Warn("[bridge] selection for unknown device", "address", address)
		return
	}

	slog.Info("[bridge] user selected device", "name", dev.Name, "address", dev.Address)
	s.stopRadio()
	s.b.picker.Dismiss()
	s.b.scan = nil

	// The scan-time bond state can be stale; ask the adapter again.
	if s.b.adapter.BondState(dev.Address) == ble.Bonded {
		slog.Debug("[bridge] device already bonded", "address", dev.Address)
		s.b.resolveSuccess(s.token, deviceData{ID: dev.Address, Name: displayName(dev)})
		return
	}
	s.b.startPairing(dev, s.token)
}
