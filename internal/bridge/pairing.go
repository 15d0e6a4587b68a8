package bridge

import (
	"log/slog"
	"time"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

// pairingSession drives the bonding handshake for an unbonded selected
// device: it initiates the bond and polls bond state at a fixed
// interval up to a bounded attempt count. Consent prompts are handled
// elsewhere, by the bridge-lifetime observer.
type pairingSession struct {
	b        *Bridge
	device   ble.Device
	token    string
	attempts int
	poll     *time.Timer
}

// startPairing runs on the loop.
func (b *Bridge) startPairing(dev ble.Device, token string) {
	slog.Info("[bridge] device not bonded, initiating pairing", "address", dev.Address)
	if err := b.adapter.CreateBond(dev.Address); err != nil {
		slog.Error("[bridge] bond initiation failed", "address", dev.Address, "error", err)
		b.resolveError(token, "Failed to start pairing")
		return
	}
	p := &pairingSession{b: b, device: dev, token: token}
	b.pairing = p
	p.poll = b.loop.postDelayed(b.opts.BondPollInterval, p.checkBondState)
}

func (p *pairingSession) checkBondState() {
	if p.b.pairing != p {
		return
	}
	p.attempts++
	switch p.b.adapter.BondState(p.device.Address) {
	case ble.Bonded:
		slog.Info("[bridge] device paired", "address", p.device.Address, "attempts", p.attempts)
		p.finish()
		p.b.resolveSuccess(p.token, deviceData{ID: p.device.Address, Name: displayName(p.device)})
	case ble.BondNone:
		slog.Error("[bridge] pairing failed or cancelled", "address", p.device.Address)
		p.finish()
		p.b.resolveError(p.token, "Pairing failed or cancelled")
	default:
		if p.attempts < p.b.opts.MaxBondAttempts {
			p.poll = p.b.loop.postDelayed(p.b.opts.BondPollInterval, p.checkBondState)
			return
		}
		slog.Error("[bridge] pairing timeout", "address", p.device.Address, "attempts", p.attempts)
		p.finish()
		p.b.resolveError(p.token, "Pairing timeout")
	}
}

// finish stops the poll timer and releases the session slot without
// touching the token.
func (p *pairingSession) finish() {
	if p.poll != nil {
		p.poll.Stop()
		p.poll = nil
	}
	p.b.pairing = nil
}
