// Package status decodes the two external status payloads the core state
// machine treats as opaque boolean providers (spec §6): display state from
// a display manager, and charger state from the battery/charger service.
// Decoding logic is a thin external collaborator; the mapping rules
// themselves come straight from suspend.c's DisplayStatusCb and
// machine.c's ChargerStatus.
package status

import "encoding/json"

// DisplayPayload is the subset of a display-manager status message this
// daemon cares about. The first message on a subscription carries State;
// subsequent messages carry only Event. BlockDisplay, when true, forces
// the display to be treated as on regardless of State/Event (the
// "do not allow sleep/timeout" flag from suspend.c).
type DisplayPayload struct {
	State        *string `json:"state,omitempty"`
	Event        *string `json:"event,omitempty"`
	BlockDisplay *bool   `json:"blockDisplay,omitempty"`
}

// ApplyDisplay decodes a display-status payload and returns the updated
// display_on signal. current is the previous value, used when the payload
// carries no recognized field (decode or mapping failure retains the
// previous signal, per spec §7).
func ApplyDisplay(payload []byte, current bool) bool {
	var p DisplayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return current
	}

	on := current
	if p.State != nil {
		switch *p.State {
		case "off":
			on = false
		case "on", "dimmed":
			on = true
		}
	}
	if p.Event != nil {
		switch *p.Event {
		case "displayOn":
			on = true
		case "displayOff":
			on = false
		}
	}
	if p.BlockDisplay != nil && *p.BlockDisplay {
		on = true
	}
	return on
}

// ChargerPayload is the subset of a charger-status message this daemon
// cares about. Charging gates whether USBConnected/DockPower are even
// meaningful, mirroring machine.c only updating its cached state when the
// "Charging" key is present at all.
type ChargerPayload struct {
	Charging     *bool `json:"Charging,omitempty"`
	USBConnected bool  `json:"USBConnected"`
	DockPower    bool  `json:"DockPower"`
}

// ApplyCharger decodes a charger-status payload and returns the updated
// charger_connected signal (logical OR of USB and dock power, per spec.md
// §9(c) resolving the source's bitwise OR to the logical form). current is
// returned unchanged when the payload carries no "Charging" key or fails
// to decode.
func ApplyCharger(payload []byte, current bool) bool {
	var p ChargerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return current
	}
	if p.Charging == nil {
		return current
	}
	return p.USBConnected || p.DockPower
}
