package alarmlink

import (
	"strconv"
	"strings"
)

// ParseBool is the single truth table used by every wire format:
// "1", "true", "yes" and "on" are true, in any case and surrounding
// whitespace. Everything else, including the empty string, is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ParseSound parses an integer or decimal level and truncates it.
func ParseSound(s string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

const (
	adcMax      = 4095
	soundFloor  = 30
	soundSpan   = 90
	soundMaxOut = 130
)

// SoundFromADC rescales a raw 12-bit ADC reading into the display range.
func SoundFromADC(s string) (int, error) {
	raw, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	level := int(raw/adcMax*soundSpan + soundFloor)
	return min(max(level, 0), soundMaxOut), nil
}

// MotionFromScalar decodes the dedicated motion topic: "ALARM" is a
// confirmed intrusion, any true spelling is plain motion.
func MotionFromScalar(s string) Motion {
	v := strings.TrimSpace(s)
	switch {
	case strings.EqualFold(v, "ALARM"):
		return MotionAlert
	case ParseBool(v):
		return MotionActive
	default:
		return MotionClear
	}
}
