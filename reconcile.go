package alarmlink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Patch is a partial update. Nil fields are left untouched when applied.
type Patch struct {
	Armed      *bool
	Locked     *bool
	Motion     *Motion
	SoundLevel *int

	// RaiseAlarm is set by explicit alarm signals only.
	RaiseAlarm bool
	// ClearAlarm is set by disarm commands, disarm acknowledgements and
	// full-status snapshots.
	ClearAlarm bool
	// Full marks a snapshot that encodes the whole device state.
	Full bool
}

func (p Patch) Empty() bool {
	return p.Armed == nil && p.Locked == nil && p.Motion == nil &&
		p.SoundLevel == nil && !p.RaiseAlarm && !p.ClearAlarm
}

// Apply merges the patch into s and returns the new snapshot.
func (p Patch) Apply(s DeviceStatus, at time.Time) DeviceStatus {
	if p.Armed != nil {
		s.Armed = *p.Armed
	}
	if p.Locked != nil {
		s.Locked = *p.Locked
	}
	if p.Motion != nil {
		s.Motion = *p.Motion
	}
	if p.SoundLevel != nil {
		s.SoundLevel = *p.SoundLevel
	}
	switch {
	case p.RaiseAlarm:
		s.Alarming = true
	case p.ClearAlarm:
		s.Alarming = false
	}
	s.UpdatedAt = at
	return s
}

func ptr[T any](v T) *T { return &v }

func SetArmed(p *Patch, v bool)    { p.Armed = ptr(v) }
func SetLocked(p *Patch, v bool)   { p.Locked = ptr(v) }
func SetMotion(p *Patch, m Motion) { p.Motion = ptr(m) }
func SetSound(p *Patch, v int)     { p.SoundLevel = ptr(v) }

// Fields holds the raw textual values of a decoded message, keyed by
// lower-cased key.
type Fields map[string]string

func (f Fields) Get(key string) (string, bool) {
	v, ok := f[strings.ToLower(key)]
	return v, ok
}

func (f Fields) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := f.Get(k); ok {
			return true
		}
	}
	return false
}

// DecodeJSON flattens a JSON object into Fields. Strings are unquoted,
// every other value keeps its literal text.
func DecodeJSON(b []byte) (Fields, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("invalid status json: %w", err)
	}
	fields := make(Fields, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("invalid value for %q: %w", k, err)
			}
			fields[strings.ToLower(k)] = s
			continue
		}
		fields[strings.ToLower(k)] = string(v)
	}
	return fields, nil
}

// SplitFields decodes the line-oriented text formats. Pairs are separated
// by line breaks or commas, and each pair is split once on ':'.
func SplitFields(body string) Fields {
	fields := Fields{}
	parts := strings.FieldsFunc(body, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	for _, part := range parts {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

// FieldRule extracts one key into a patch.
type FieldRule struct {
	Key   string
	Apply func(value string, p *Patch) error
}

// Format is a set of extraction rules for one wire dialect. Rules run in
// order, so later rules may refine what earlier ones set.
type Format struct {
	Name string
	// Detect lists the keys whose presence identifies this dialect.
	Detect []string
	// Full formats carry the complete device state.
	Full  bool
	Rules []FieldRule
}

func (f Format) Matches(fields Fields) bool {
	return fields.Has(f.Detect...)
}

// Extract builds a patch from the recognized keys. Any failing rule fails
// the whole extraction so nothing is partially applied.
func (f Format) Extract(fields Fields) (Patch, error) {
	var p Patch
	for _, rule := range f.Rules {
		v, ok := fields.Get(rule.Key)
		if !ok {
			continue
		}
		if err := rule.Apply(v, &p); err != nil {
			return Patch{}, fmt.Errorf("%s: invalid %s=%q: %w", f.Name, rule.Key, v, err)
		}
	}
	if f.Full {
		p.Full = true
		if !p.RaiseAlarm {
			p.ClearAlarm = true
		}
	}
	return p, nil
}

// DetectFormat returns the first candidate whose keys are present.
func DetectFormat(fields Fields, candidates ...Format) (Format, bool) {
	for _, f := range candidates {
		if f.Matches(fields) {
			return f, true
		}
	}
	return Format{}, false
}

func boolRule(key string, set func(*Patch, bool)) FieldRule {
	return FieldRule{Key: key, Apply: func(v string, p *Patch) error {
		set(p, ParseBool(v))
		return nil
	}}
}

func soundRule(key string) FieldRule {
	return FieldRule{Key: key, Apply: func(v string, p *Patch) error {
		level, err := ParseSound(v)
		if err != nil {
			return err
		}
		SetSound(p, level)
		return nil
	}}
}

// textMotionRule handles the SMS motion keys: a true spelling or the
// literal MOTION means motion, anything else is clear.
func textMotionRule(key string) FieldRule {
	return FieldRule{Key: key, Apply: func(v string, p *Patch) error {
		if ParseBool(v) || strings.EqualFold(strings.TrimSpace(v), "MOTION") {
			SetMotion(p, MotionActive)
			return nil
		}
		SetMotion(p, MotionClear)
		return nil
	}}
}

// JSONStatus is the broker status payload. Both historical spellings of
// every key are accepted.
var JSONStatus = Format{
	Name: "json",
	Detect: []string{
		"armed", "alarmEnabled", "locked", "systemLocked", "pir",
		"pirStatus", "soundLevel", "sound_level", "type",
	},
	Rules: []FieldRule{
		boolRule("alarmEnabled", SetArmed),
		boolRule("armed", SetArmed),
		boolRule("systemLocked", SetLocked),
		boolRule("locked", SetLocked),
		{Key: "pir", Apply: func(v string, p *Patch) error {
			if ParseBool(v) {
				SetMotion(p, MotionDetected)
				return nil
			}
			SetMotion(p, MotionClear)
			return nil
		}},
		{Key: "pirStatus", Apply: func(v string, p *Patch) error {
			m, ok := ParseMotion(v)
			switch {
			case ok && m != MotionClear:
				SetMotion(p, m)
			case p.Motion == nil:
				SetMotion(p, MotionClear)
			}
			if m == MotionAlert {
				p.RaiseAlarm = true
			}
			return nil
		}},
		soundRule("sound_level"),
		soundRule("soundLevel"),
		{Key: "type", Apply: func(v string, p *Patch) error {
			if strings.EqualFold(strings.TrimSpace(v), "alarm") {
				p.RaiseAlarm = true
			}
			return nil
		}},
	},
}

// LineStatus is the multi-line SMS report ("Alarm:ON\nMotion:YES\nSound:26.3").
var LineStatus = Format{
	Name:   "sms-lines",
	Detect: []string{"alarm", "motion"},
	Full:   true,
	Rules: []FieldRule{
		{Key: "alarm", Apply: func(v string, p *Patch) error {
			SetArmed(p, ParseBool(v) || strings.EqualFold(strings.TrimSpace(v), "ENABLED"))
			return nil
		}},
		boolRule("lock", SetLocked),
		boolRule("locked", SetLocked),
		textMotionRule("pir"),
		textMotionRule("motion"),
		soundRule("sound"),
	},
}

// LockStatus is a lone lock report ("Locked:NO"), optionally with a sound
// reading. It carries nothing else, so it is partial.
var LockStatus = Format{
	Name:   "sms-lock",
	Detect: []string{"lock", "locked"},
	Rules: []FieldRule{
		boolRule("lock", SetLocked),
		boolRule("locked", SetLocked),
		soundRule("sound"),
	},
}

// LegacyStatus is the comma-joined SMS report ("Armed:1,Locked:0,PIR:0,Sound:45").
var LegacyStatus = Format{
	Name:   "sms-legacy",
	Detect: []string{"armed"},
	Full:   true,
	Rules: []FieldRule{
		boolRule("armed", SetArmed),
		boolRule("locked", SetLocked),
		textMotionRule("pir"),
		soundRule("sound"),
	},
}
