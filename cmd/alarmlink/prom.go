package main

import (
	"context"

	"github.com/caarlos0/alarmlink"
	"github.com/caarlos0/alarmlink/companion"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alarmlink"

var commandCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "commands",
	Name:      "sent_total",
}, []string{"cmd"})

var commandErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "commands",
	Name:      "errors_total",
}, []string{"cmd"})

func registerMetrics(core *companion.Core) {
	counter := func(subsystem, name string, fn func(companion.Stats) int64) {
		promauto.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
		}, func() float64 { return float64(fn(core.Stats())) })
	}
	gauge := func(subsystem, name string, fn func() float64) {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
		}, fn)
	}

	counter("broker", "messages_total", func(s companion.Stats) int64 { return s.Messages })
	counter("broker", "parse_errors_total", func(s companion.Stats) int64 { return s.ParseErrors })
	counter("broker", "unrouted_total", func(s companion.Stats) int64 { return s.Unrouted })
	counter("sms", "received_total", func(s companion.Stats) int64 { return s.SMSReceived })
	counter("frames", "decoded_total", func(s companion.Stats) int64 { return s.Frames })
	counter("frames", "dropped_total", func(s companion.Stats) int64 { return s.DroppedFrames })
	counter("frames", "abandoned_total", func(s companion.Stats) int64 { return s.AbandonedFrames })
	counter("frames", "rejected_total", func(s companion.Stats) int64 { return s.RejectedFrames })
	counter("alarm", "detections_total", func(s companion.Stats) int64 { return s.Detections })
	counter("alarm", "triggered_total", func(s companion.Stats) int64 { return s.Alarms })

	gauge("device", "online", func() float64 { return boolAs[float64](core.Online()) })
	gauge("broker", "state", func() float64 { return float64(core.ConnectionState()) })
	gauge("alarm", "armed", func() float64 { return boolAs[float64](core.Status().Armed) })
	gauge("alarm", "alarming", func() float64 { return boolAs[float64](core.Status().Alarming) })
	gauge("alarm", "sound_level", func() float64 { return float64(core.Status().SoundLevel) })
	gauge("device", "last_data_timestamp_seconds", func() float64 {
		last := core.Stats().LastData
		if last.IsZero() {
			return 0
		}
		return float64(last.Unix())
	})
}

// countingCommander counts every command sent through it.
type countingCommander struct {
	Commander
}

func (c countingCommander) SendCommand(ctx context.Context, cmd alarmlink.Command) error {
	commandCounter.WithLabelValues(string(cmd)).Inc()
	if err := c.Commander.SendCommand(ctx, cmd); err != nil {
		commandErrorCounter.WithLabelValues(string(cmd)).Inc()
		return err
	}
	return nil
}
