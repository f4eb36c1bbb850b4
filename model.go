package alarmlink

import (
	"fmt"
	"strings"
	"time"
)

// DeviceStatus is an immutable snapshot of the controller state.
// It is always replaced wholesale, never mutated in place.
type DeviceStatus struct {
	Armed      bool
	Locked     bool
	Motion     Motion
	SoundLevel int
	// Alarming is only true while an intrusion is unacknowledged.
	// It is independent from Armed.
	Alarming  bool
	UpdatedAt time.Time
}

type Motion uint8

const (
	MotionClear Motion = iota
	MotionActive
	MotionDetected
	MotionAlert
)

func (m Motion) String() string {
	switch m {
	case MotionActive:
		return "MOTION"
	case MotionDetected:
		return "DETECTED"
	case MotionAlert:
		return "ALERT"
	default:
		return "CLEAR"
	}
}

// ParseMotion parses one of the textual PIR states. Anything that is not a
// known non-clear state reports ok=false.
func ParseMotion(s string) (Motion, bool) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "MOTION":
		return MotionActive, true
	case "DETECTED":
		return MotionDetected, true
	case "ALERT":
		return MotionAlert, true
	case "CLEAR":
		return MotionClear, true
	default:
		return MotionClear, false
	}
}

type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Disconnected"
	}
}

// ConnectionMode is selected by the user and decides which transports carry
// commands. It never changes how inbound data is parsed.
type ConnectionMode uint8

const (
	ModeHybrid ConnectionMode = iota
	ModeSMSOnly
	ModeMQTTOnly
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeSMSOnly:
		return "SMS_ONLY"
	case ModeMQTTOnly:
		return "MQTT_ONLY"
	default:
		return "HYBRID"
	}
}

func (m ConnectionMode) UsesSMS() bool    { return m != ModeMQTTOnly }
func (m ConnectionMode) UsesBroker() bool { return m != ModeSMSOnly }

func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "HYBRID", "":
		return ModeHybrid, nil
	case "SMS_ONLY", "SMS":
		return ModeSMSOnly, nil
	case "MQTT_ONLY", "MQTT":
		return ModeMQTTOnly, nil
	default:
		return ModeHybrid, fmt.Errorf("invalid connection mode: %q", s)
	}
}

func (m *ConnectionMode) UnmarshalText(b []byte) error {
	mode, err := ParseConnectionMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

func (m ConnectionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
