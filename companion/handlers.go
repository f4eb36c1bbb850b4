package companion

import (
	"github.com/caarlos0/alarmlink"
	"github.com/caarlos0/alarmlink/broker"
	"github.com/caarlos0/alarmlink/frame"
)

func (c *Core) handlers() map[broker.Kind]broker.Handler {
	return map[broker.Kind]broker.Handler{
		broker.KindStatus:      c.onStatus,
		broker.KindAlarmStatus: c.onStatus,
		broker.KindSound:       c.onSound,
		broker.KindMotion:      c.onMotion,
		broker.KindStream:      c.onChunk(c.live, c.liveGate),
		broker.KindSnapshot:    c.onChunk(c.preview, c.previewGate),
	}
}

func (c *Core) onStatus(msg broker.Message) error {
	fields, err := alarmlink.DecodeJSON(msg.Payload)
	if err != nil {
		return err
	}
	patch, err := alarmlink.JSONStatus.Extract(fields)
	if err != nil {
		return err
	}
	c.applyBroker(msg, patch, "Device reported an alarm")
	return nil
}

func (c *Core) onSound(msg broker.Message) error {
	level, err := alarmlink.SoundFromADC(string(msg.Payload))
	if err != nil {
		return err
	}
	var patch alarmlink.Patch
	alarmlink.SetSound(&patch, level)
	c.applyBroker(msg, patch, "")
	return nil
}

func (c *Core) onMotion(msg broker.Message) error {
	var patch alarmlink.Patch
	motion := alarmlink.MotionFromScalar(string(msg.Payload))
	alarmlink.SetMotion(&patch, motion)
	if motion == alarmlink.MotionAlert {
		patch.RaiseAlarm = true
	}
	c.applyBroker(msg, patch, "Motion and sound correlated")
	return nil
}

// applyBroker enforces the retained-message trust rule: a retained value
// only seeds the baseline of a fresh session and never raises an alarm.
func (c *Core) applyBroker(msg broker.Message, patch alarmlink.Patch, alarm string) {
	if msg.Retained {
		if !c.baseline() {
			log.Debug("ignoring retained message", "topic", msg.Topic)
			return
		}
		patch.RaiseAlarm = false
		if patch.Motion != nil && *patch.Motion == alarmlink.MotionAlert {
			alarmlink.SetMotion(&patch, alarmlink.MotionDetected)
		}
	}
	if patch.Empty() {
		return
	}
	c.apply(patch, "broker", alarm)
}

// baseline is true until the first live message of the current session.
func (c *Core) baseline() bool {
	c.mu.Lock()
	start := c.sessionStart
	c.mu.Unlock()
	last := c.router.LastDataReceived()
	return last.IsZero() || last.Before(start)
}

// apply publishes the patch and reacts to alarm transitions.
func (c *Core) apply(patch alarmlink.Patch, source, message string) {
	now := c.now()
	prev, next := c.store.Apply(patch, now)
	log.Debug("status updated", "source", source, "status", next)

	if next.Alarming && !prev.Alarming {
		c.alarms.Add(1)
		if message == "" {
			message = "Alarm triggered"
		}
		log.Warn("alarm", "source", source, "message", message)
		if c.opts.Notifier != nil {
			c.opts.Notifier.Alarm(message)
		}
		c.record(alarmlink.HistoryRecord{
			At:       now,
			Category: alarmlink.CategoryAlarm,
			Title:    "Alarm triggered",
			Message:  message,
		})
		return
	}

	if !next.Alarming && (prev.Alarming || patch.Full) {
		if prev.Alarming {
			log.Info("alarm cleared", "source", source)
		}
		if c.opts.Notifier != nil {
			c.opts.Notifier.ClearAlarm()
		}
	}
}

func (c *Core) record(r alarmlink.HistoryRecord) {
	if c.opts.History == nil {
		return
	}
	if err := c.opts.History.Record(r); err != nil {
		log.Error("could not record history", "title", r.Title, "err", err)
	}
}

func (c *Core) onChunk(r *frame.Reassembler, g *frame.Gate) broker.Handler {
	return func(msg broker.Message) error {
		if msg.Retained {
			// a stale frame from a previous session
			log.Debug("ignoring retained chunk", "topic", msg.Topic)
			return nil
		}
		data, err := r.Push(msg.Payload)
		if err != nil || data == nil {
			return err
		}
		g.Submit(data, msg.At)
		return nil
	}
}

func (c *Core) onFrame(f frame.Frame) {
	if f.Stream == frame.StreamPreview {
		c.onPreview(f)
	}
	if c.opts.OnFrame != nil {
		c.opts.OnFrame(f)
	}
}

// onPreview caches the frame. Frames outside the response window of a
// preview request are unsolicited detections and go to history.
func (c *Core) onPreview(f frame.Frame) {
	c.mu.Lock()
	c.latest = Preview{Data: f.Data, At: f.At}
	asked := c.previewAsked
	c.mu.Unlock()

	since := f.At.Sub(asked)
	if !asked.IsZero() && since >= 0 && since <= c.opts.PreviewWindow {
		log.Debug("preview received", "after", since)
		return
	}

	c.detections.Add(1)
	var path string
	if c.opts.Images != nil {
		p, err := c.opts.Images.SaveImage(f.At, f.Data)
		if err != nil {
			log.Error("could not save detection", "err", err)
		} else {
			path = p
		}
	}
	log.Info("detection", "size", len(f.Data), "path", path)
	c.record(alarmlink.HistoryRecord{
		At:        f.At,
		Category:  alarmlink.CategoryAlarm,
		Title:     "Motion detected",
		Message:   "Camera captured suspicious activity",
		ImagePath: path,
	})
}
