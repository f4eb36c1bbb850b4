package companion

import (
	"time"

	"github.com/caarlos0/alarmlink"
)

type Stats struct {
	Messages        int64
	ParseErrors     int64
	Unrouted        int64
	SMSReceived     int64
	Frames          int64
	DroppedFrames   int64
	AbandonedFrames int64
	RejectedFrames  int64
	Detections      int64
	Alarms          int64
	LastData        time.Time
	Online          bool
	State           alarmlink.ConnectionState
}

func (c *Core) Stats() Stats {
	return Stats{
		Messages:        c.messages.Load(),
		ParseErrors:     c.parseErrors.Load(),
		Unrouted:        c.unrouted.Load(),
		SMSReceived:     c.smsReceived.Load(),
		Frames:          c.liveGate.Delivered() + c.previewGate.Delivered(),
		DroppedFrames:   c.liveGate.Dropped() + c.previewGate.Dropped(),
		AbandonedFrames: c.live.Abandoned() + c.preview.Abandoned(),
		RejectedFrames:  c.live.Rejected() + c.preview.Rejected(),
		Detections:      c.detections.Load(),
		Alarms:          c.alarms.Load(),
		LastData:        c.router.LastDataReceived(),
		Online:          c.Online(),
		State:           c.session.State(),
	}
}
