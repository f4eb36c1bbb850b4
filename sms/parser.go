// Package sms decodes the device's text messages and sends commands to it.
package sms

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/alarmlink"
	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "sms",
})

var (
	ErrUnrecognized  = errors.New("unrecognized message")
	ErrInvalidNumber = errors.New("invalid phone number")
)

// strict prefixes: only a message starting with one of these is an alarm.
var alarmPrefixes = []string{"ALARM!", "ТРЕВОГА"}

type Kind uint8

const (
	KindIgnored Kind = iota
	KindStatus
	KindAck
	KindAlarm
	KindUnknownCommand
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindAck:
		return "ack"
	case KindAlarm:
		return "alarm"
	case KindUnknownCommand:
		return "unknown-command"
	default:
		return "ignored"
	}
}

type Result struct {
	Kind   Kind
	Format string
	Patch  alarmlink.Patch
}

// Parser decodes messages from the paired device.
type Parser struct {
	Phone        string
	FilterSender bool
}

// Parse decodes body. Messages from other senders are ignored when
// filtering is enabled.
func (p Parser) Parse(sender, body string) (Result, error) {
	if !p.accepts(sender) {
		log.Debug("ignoring message from unknown sender", "sender", sender)
		return Result{Kind: KindIgnored}, nil
	}

	text := strings.TrimSpace(body)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty body", ErrUnrecognized)
	}

	for _, prefix := range alarmPrefixes {
		if strings.HasPrefix(text, prefix) {
			patch := alarmlink.Patch{RaiseAlarm: true}
			return Result{Kind: KindAlarm, Format: "alarm", Patch: patch}, nil
		}
	}

	if strings.HasPrefix(text, "{") {
		fields, err := alarmlink.DecodeJSON([]byte(text))
		if err != nil {
			return Result{}, err
		}
		patch, err := alarmlink.JSONStatus.Extract(fields)
		if err != nil {
			return Result{}, err
		}
		kind := KindStatus
		if patch.RaiseAlarm {
			kind = KindAlarm
		}
		return Result{Kind: kind, Format: alarmlink.JSONStatus.Name, Patch: patch}, nil
	}

	fields := alarmlink.SplitFields(text)
	if format, ok := alarmlink.DetectFormat(fields, alarmlink.LineStatus, alarmlink.LegacyStatus, alarmlink.LockStatus); ok {
		patch, err := format.Extract(fields)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindStatus, Format: format.Name, Patch: patch}, nil
	}

	if patch, ok := ack(text); ok {
		return Result{Kind: KindAck, Format: "ack", Patch: patch}, nil
	}

	if containsFold(text, "unknown command") {
		return Result{Kind: KindUnknownCommand}, nil
	}

	return Result{}, fmt.Errorf("%w: %q", ErrUnrecognized, text)
}

// ack matches command acknowledgements by substring.
func ack(text string) (alarmlink.Patch, bool) {
	var p alarmlink.Patch
	ok := containsFold(text, "ok:")
	switch {
	case containsFold(text, "alarm off"),
		ok && containsFold(text, "disabled"):
		alarmlink.SetArmed(&p, false)
		p.ClearAlarm = true
	case containsFold(text, "alarm on"),
		ok && containsFold(text, "enabled"):
		alarmlink.SetArmed(&p, true)
	case containsFold(text, "unlocked"):
		alarmlink.SetLocked(&p, false)
	case containsFold(text, "locked"):
		alarmlink.SetLocked(&p, true)
	default:
		return p, false
	}
	return p, true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func (p Parser) accepts(sender string) bool {
	if !p.FilterSender || strings.TrimSpace(p.Phone) == "" {
		return true
	}
	return NormalizePhone(sender) == NormalizePhone(p.Phone)
}

// NormalizePhone reduces a number to its digits, with the domestic trunk
// prefix 8 rewritten to the country code 7.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '8' {
		return "7" + digits[1:]
	}
	return digits
}

// CleanNumber keeps the dialable characters of a destination number.
func CleanNumber(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return b.String(), nil
}
