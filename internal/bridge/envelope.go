package bridge

import (
	"encoding/json"

	"github.com/kwickpos/webble-bridge/internal/ble"
)

// Envelope is the uniform result payload handed back to the scripting
// environment.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func successEnvelope(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

func errorEnvelope(msg string) Envelope {
	return Envelope{Success: false, Error: msg}
}

// encode serializes the envelope. Marshal failures degrade to a bare
// error payload rather than propagating.
func (e Envelope) encode() string {
	buf, err := json.Marshal(e)
	if err != nil {
		return `{"success":false,"error":"internal encoding error"}`
	}
	return string(buf)
}

// deviceData identifies a selected or bonded device on the wire.
type deviceData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// connectData is the success payload of a GATT connect.
type connectData struct {
	Connected bool   `json:"connected"`
	DeviceID  string `json:"deviceId"`
}

// pairedDevicesResult is the paired-device enumeration payload. Faults
// report an empty list plus the error flag instead of failing.
type pairedDevicesResult struct {
	Success bool         `json:"success"`
	Devices []deviceData `json:"devices"`
	Error   string       `json:"error,omitempty"`
}

func (r pairedDevicesResult) encode() string {
	buf, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"devices":[],"error":"internal encoding error"}`
	}
	return string(buf)
}

func displayName(dev ble.Device) string {
	if dev.Name == "" {
		return "Unknown"
	}
	return dev.Name
}
