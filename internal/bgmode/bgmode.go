// Package bgmode defines the background execution mode taxonomy and the
// validation rules that decide whether a caller may run under a given mode.
package bgmode

import "sort"

// Mode is a background execution mode id.
type Mode uint32

const (
	DataTransfer Mode = iota + 1
	AudioPlayback
	AudioRecording
	Location
	BluetoothInteraction
	MultiDeviceConnection
	WifiInteraction
	VoIP
	TaskKeeping
	Workout

	// ModeCount is the number of defined modes.
	ModeCount = 10
)

// AllModes is the wildcard mask matching every mode in a stop-by-mode request.
const AllModes uint32 = 0xFF

// Sub-modes refine a primary mode's notification text.
const (
	SubModeCarKey uint32 = 1
)

var names = map[Mode]string{
	DataTransfer:          "dataTransfer",
	AudioPlayback:         "audioPlayback",
	AudioRecording:        "audioRecording",
	Location:              "location",
	BluetoothInteraction:  "bluetoothInteraction",
	MultiDeviceConnection: "multiDeviceConnection",
	WifiInteraction:       "wifiInteraction",
	VoIP:                  "voip",
	TaskKeeping:           "taskKeeping",
	Workout:               "workout",
}

// String returns the canonical lowerCamel mode name, or "unknown".
func (m Mode) String() string {
	if n, ok := names[m]; ok {
		return n
	}
	return "unknown"
}

// FromName resolves a canonical mode name back to its id.
func FromName(name string) (Mode, bool) {
	for m, n := range names {
		if n == name {
			return m, true
		}
	}
	return 0, false
}

// Valid reports whether m is a defined mode id.
func (m Mode) Valid() bool {
	return m >= DataTransfer && m <= Workout
}

// Bit returns the declaration-mask bit for m.
func (m Mode) Bit() uint32 {
	if !m.Valid() {
		return 0
	}
	return 1 << (uint32(m) - 1)
}

// Contains reports whether modes includes m.
func Contains(modes []uint32, m Mode) bool {
	for _, v := range modes {
		if v == uint32(m) {
			return true
		}
	}
	return false
}

// ContainsValue reports whether values includes v.
func ContainsValue(values []uint32, v uint32) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// SameSet reports whether a and b contain the same mode ids, ignoring order
// and duplicates.
func SameSet(a, b []uint32) bool {
	as := uniqueSorted(a)
	bs := uniqueSorted(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// MaskOf folds modes into a declaration-style bitmask.
func MaskOf(modes []uint32) uint32 {
	var mask uint32
	for _, v := range modes {
		mask |= Mode(v).Bit()
	}
	return mask
}

func uniqueSorted(in []uint32) []uint32 {
	out := make([]uint32, 0, len(in))
	seen := make(map[uint32]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
