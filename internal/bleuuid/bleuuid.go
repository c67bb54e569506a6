// Package bleuuid normalizes BLE UUID strings and resolves the handful of
// GATT UUIDs this transport actually cares about to human-readable names
// for logging.
package bleuuid

import "strings"

// Normalize converts a UUID string to the internal comparison format:
// lowercase, no dashes. Handles both the 128-bit dashed form and an
// already-normalized 16/32-bit form.
func Normalize(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeAll normalizes a slice of UUID strings.
func NormalizeAll(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = Normalize(u)
	}
	return out
}

// Equal reports whether two UUID strings refer to the same UUID once normalized.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// ClientCharacteristicConfig is the standard CCCD UUID (0x2902).
const ClientCharacteristicConfig = "2902"

// EnableNotificationValue is the standard two-byte CCCD value that enables
// notifications (as opposed to indications, which would set bit 1).
var EnableNotificationValue = []byte{0x01, 0x00}

// DisableNotificationValue clears both the notify and indicate bits.
var DisableNotificationValue = []byte{0x00, 0x00}

// wellKnown holds display names for the small set of GATT UUIDs this
// transport resolves on its own (the CCCD descriptor and the GAP service
// used for optional device-name resolution). Unlike a general BLE
// inspector, this transport never walks arbitrary standardized
// characteristics, so the full SIG assigned-numbers table has no
// consumer here.
var wellKnown = map[string]string{
	Normalize("2902"): "Client Characteristic Configuration",
	Normalize("1800"): "Generic Access",
	Normalize("2a00"): "Device Name",
}

// KnownName returns a human-readable name for uuid, or "" if unknown.
func KnownName(uuid string) string {
	return wellKnown[Normalize(uuid)]
}
