package domain

// MicMode selects how the microphone is driven.
type MicMode string

const (
	MicPushToTalk MicMode = "push_to_talk"
	MicAlwaysOn   MicMode = "always_on"
)

// ParseMicMode returns the mic mode named by s.
func ParseMicMode(s string) (MicMode, bool) {
	switch MicMode(s) {
	case MicPushToTalk, MicAlwaysOn:
		return MicMode(s), true
	default:
		return MicPushToTalk, false
	}
}

// MicIntent is the learner's current microphone intent.
type MicIntent struct {
	Mode      MicMode `json:"mode"`
	KeyHeld   bool    `json:"key_held"`
	TouchHeld bool    `json:"touch_held"`
	ToggledOn bool    `json:"toggled_on"`
}

// Desired returns whether the microphone should be enabled under the current mode.
func (i MicIntent) Desired() bool {
	if i.Mode == MicAlwaysOn {
		return i.ToggledOn
	}
	return i.KeyHeld || i.TouchHeld
}

// TriggerHeld reports whether a physical push-to-talk trigger is active.
func (i MicIntent) TriggerHeld() bool {
	return i.KeyHeld || i.TouchHeld
}

// MicErrorKind classifies a failed microphone request.
type MicErrorKind string

const (
	MicPermissionDenied MicErrorKind = "PermissionDenied"
	MicDeviceNotFound   MicErrorKind = "DeviceNotFound"
	MicUnknown          MicErrorKind = "Unknown"
)
