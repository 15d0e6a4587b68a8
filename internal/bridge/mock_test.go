package bridge

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

// mockAdapter is a scriptable ble.Adapter. Tests drive native callbacks
// by hand through the captured observers.
type mockAdapter struct {
	mu sync.Mutex

	enabled    bool
	scanErr    error
	stopErr    error
	connectErr error
	bondErr    error
	confirmErr error

	bondStates map[string]ble.BondState
	bonded     []ble.Device
	bondedErr  error

	scanObserver ble.ScanObserver
	gattObserver ble.GattObserver
	gatt         *mockGatt
	pairingObs   func(ble.PairingRequest)

	startScanCalls  int
	stopScanCalls   int
	createBondCalls []string
	confirmCalls    []string
	connectCalls    []string
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		enabled:    true,
		bondStates: make(map[string]ble.BondState),
		gatt:       &mockGatt{},
	}
}

func (m *mockAdapter) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *mockAdapter) StartScan(obs ble.ScanObserver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startScanCalls++
	if m.scanErr != nil {
		return m.scanErr
	}
	m.scanObserver = obs
	return nil
}

func (m *mockAdapter) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScanCalls++
	m.scanObserver = nil
	return m.stopErr
}

func (m *mockAdapter) Connect(address string, obs ble.GattObserver) (ble.Gatt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls = append(m.connectCalls, address)
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	m.gattObserver = obs
	return m.gatt, nil
}

func (m *mockAdapter) BondState(address string) ble.BondState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bondStates[address]
}

func (m *mockAdapter) CreateBond(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createBondCalls = append(m.createBondCalls, address)
	if m.bondErr != nil {
		return m.bondErr
	}
	m.bondStates[address] = ble.Bonding
	return nil
}

func (m *mockAdapter) ConfirmPairing(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls = append(m.confirmCalls, address)
	return m.confirmErr
}

func (m *mockAdapter) SetPairingObserver(fn func(ble.PairingRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairingObs = fn
}

func (m *mockAdapter) BondedDevices() ([]ble.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bonded, m.bondedErr
}

func (m *mockAdapter) setBondState(address string, state ble.BondState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bondStates[address] = state
}

func (m *mockAdapter) scanning() ble.ScanObserver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanObserver
}

func (m *mockAdapter) observer() ble.GattObserver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gattObserver
}

// mockGatt is a scriptable ble.Gatt handle.
type mockGatt struct {
	mu sync.Mutex

	discoverErr error
	writeErr    error
	notifyErr   error
	closeErr    error

	discoverCalls   int
	disconnectCalls int
	closeCalls      int
	writes          [][]byte
	notifyRequests  []string
}

func (g *mockGatt) DiscoverServices() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.discoverCalls++
	return g.discoverErr
}

func (g *mockGatt) WriteCharacteristic(serviceUUID, charUUID string, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.writes = append(g.writes, append([]byte(nil), value...))
	return nil
}

func (g *mockGatt) EnableNotifications(serviceUUID, charUUID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notifyErr != nil {
		return g.notifyErr
	}
	g.notifyRequests = append(g.notifyRequests, charUUID)
	return nil
}

func (g *mockGatt) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnectCalls++
}

func (g *mockGatt) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	return g.closeErr
}

// recorderPort captures everything the bridge pushes to the scripting
// side.
type recorderPort struct {
	mu sync.Mutex

	callbacks []portCallback
	bools     []portBool
	notifies  []portNotify
	events    []portEvent
}

type portCallback struct {
	fn      string
	payload string
}

type portBool struct {
	token string
	ok    bool
}

type portNotify struct {
	charUUID string
	hexData  string
}

type portEvent struct {
	name    string
	payload string
}

func (p *recorderPort) InvokeCallback(fn, payloadJSON string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, portCallback{fn: fn, payload: payloadJSON})
}

func (p *recorderPort) InvokeBoolCallback(token string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bools = append(p.bools, portBool{token: token, ok: ok})
}

func (p *recorderPort) Notify(charUUID, hexData string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifies = append(p.notifies, portNotify{charUUID: charUUID, hexData: hexData})
}

func (p *recorderPort) EmitEvent(name, payloadJSON string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, portEvent{name: name, payload: payloadJSON})
}

func (p *recorderPort) callbackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.callbacks)
}

func (p *recorderPort) lastCallback(t *testing.T) portCallback {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.callbacks) == 0 {
		t.Fatal("no callbacks recorded")
	}
	return p.callbacks[len(p.callbacks)-1]
}

func (p *recorderPort) lastBool(t *testing.T) portBool {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bools) == 0 {
		t.Fatal("no bool callbacks recorded")
	}
	return p.bools[len(p.bools)-1]
}

func (p *recorderPort) boolCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bools)
}

// recorderPicker captures picker lifecycle transitions.
type recorderPicker struct {
	mu sync.Mutex

	shows     int
	dismisses int
	updates   [][]ble.Device
}

func (p *recorderPicker) Show() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shows++
}

func (p *recorderPicker) Update(devices []ble.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, devices)
}

func (p *recorderPicker) Dismiss() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismisses++
}

func (p *recorderPicker) lastUpdate(t *testing.T) []ble.Device {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		t.Fatal("no picker updates recorded")
	}
	return p.updates[len(p.updates)-1]
}

type fixture struct {
	adapter *mockAdapter
	port    *recorderPort
	picker  *recorderPicker
	bridge  *Bridge
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		adapter: newMockAdapter(),
		port:    &recorderPort{},
		picker:  &recorderPicker{},
	}
	f.bridge = New(f.adapter, f.port, f.picker, opts)
	t.Cleanup(func() { f.bridge.Close() })
	return f
}

// fastOptions keeps timer-driven paths short enough for tests.
func fastOptions() Options {
	return Options{
		ScanTimeout:      30 * time.Millisecond,
		BondPollInterval: 5 * time.Millisecond,
		MaxBondAttempts:  4,
	}
}

// slowOptions makes timers effectively inert so tests control ordering.
func slowOptions() Options {
	return Options{
		ScanTimeout:      time.Hour,
		BondPollInterval: time.Hour,
		MaxBondAttempts:  60,
	}
}

func (f *fixture) sync() {
	f.bridge.loop.flush()
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func decodeEnvelope(t *testing.T, payload string) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", payload, err)
	}
	return env
}

func expectError(t *testing.T, payload, want string) {
	t.Helper()
	env := decodeEnvelope(t, payload)
	if env.Success {
		t.Fatalf("expected failure envelope, got %q", payload)
	}
	if !strings.Contains(env.Error, want) {
		t.Fatalf("error %q does not contain %q", env.Error, want)
	}
}

const serviceFilters = `{"services":["0000ffe0-0000-1000-8000-00805f9b34fb"]}`
