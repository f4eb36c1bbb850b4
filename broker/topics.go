package broker

import (
	"github.com/caarlos0/alarmlink"
	"golang.org/x/exp/slices"
)

// Kind identifies which handler a subscribed topic is routed to.
type Kind uint8

const (
	KindStatus Kind = iota + 1
	KindAlarmStatus
	KindSound
	KindMotion
	KindStream
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindAlarmStatus:
		return "alarm-status"
	case KindSound:
		return "sound"
	case KindMotion:
		return "motion"
	case KindStream:
		return "stream"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

type Topics struct {
	Status         string
	AlarmStatus    string
	AlarmSound     string
	AlarmMotion    string
	CameraStream   string
	CameraSnapshot string
	CameraControl  string
	AlarmControl   string
}

func TopicsFor(account string) Topics {
	return Topics{
		Status:         account + "/status",
		AlarmStatus:    account + "/alarm/status",
		AlarmSound:     account + "/alarm/sound",
		AlarmMotion:    account + "/alarm/motion",
		CameraStream:   account + "/camera/stream",
		CameraSnapshot: account + "/camera/alarm_snapshot",
		CameraControl:  account + "/camera/control",
		AlarmControl:   account + "/alarm/control",
	}
}

// Kinds maps every subscribed topic to its handler kind.
func (t Topics) Kinds() map[string]Kind {
	return map[string]Kind{
		t.Status:         KindStatus,
		t.AlarmStatus:    KindAlarmStatus,
		t.AlarmSound:     KindSound,
		t.AlarmMotion:    KindMotion,
		t.CameraStream:   KindStream,
		t.CameraSnapshot: KindSnapshot,
	}
}

// Subscriptions returns the topic filters with their QoS. Scalars and the
// live stream are best-effort, status and snapshots are at-least-once.
func (t Topics) Subscriptions() map[string]byte {
	return map[string]byte{
		t.Status:         1,
		t.AlarmStatus:    1,
		t.AlarmSound:     0,
		t.AlarmMotion:    0,
		t.CameraStream:   0,
		t.CameraSnapshot: 1,
	}
}

// Subscribed returns the subscribed topics, sorted.
func (t Topics) Subscribed() []string {
	var topics []string
	for topic := range t.Subscriptions() {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// Route returns the control topics a command is published to.
func (t Topics) Route(cmd alarmlink.Command) []string {
	switch {
	case cmd == alarmlink.CmdStatus:
		return []string{t.CameraControl, t.AlarmControl}
	case cmd.IsCamera():
		return []string{t.CameraControl}
	default:
		return []string{t.AlarmControl}
	}
}
