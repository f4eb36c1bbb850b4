package companion

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/caarlos0/alarmlink"
	"github.com/caarlos0/alarmlink/broker"
	"github.com/caarlos0/alarmlink/broker/brokertest"
	"github.com/caarlos0/alarmlink/frame"
	"github.com/stretchr/testify/require"
)

const (
	wait = time.Second
	tick = time.Millisecond
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeNotifier struct {
	mu      sync.Mutex
	alarms  []string
	cleared int
}

func (f *fakeNotifier) Alarm(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alarms = append(f.alarms, message)
}

func (f *fakeNotifier) ClearAlarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeNotifier) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alarms...), f.cleared
}

type fakeHistory struct {
	mu      sync.Mutex
	records []alarmlink.HistoryRecord
}

func (f *fakeHistory) Record(r alarmlink.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeHistory) all() []alarmlink.HistoryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alarmlink.HistoryRecord(nil), f.records...)
}

type fakeImages struct {
	mu    sync.Mutex
	saved int
}

func (f *fakeImages) SaveImage(at time.Time, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return "/detections/det_" + at.Format("20060102_150405") + ".jpg", nil
}

type fakeSMS struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeSMS) Send(_ context.Context, phone, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, phone+" "+text)
	return nil
}

func (f *fakeSMS) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	core     *Core
	factory  *brokertest.Factory
	clock    *clock
	notifier *fakeNotifier
	history  *fakeHistory
	images   *fakeImages
	sms      *fakeSMS
	frames   chan frame.Frame
}

func newHarness(t *testing.T, mode alarmlink.ConnectionMode, connectErr error) *harness {
	t.Helper()
	h := &harness{
		factory:  &brokertest.Factory{},
		clock:    &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &fakeNotifier{},
		history:  &fakeHistory{},
		images:   &fakeImages{},
		sms:      &fakeSMS{},
		frames:   make(chan frame.Frame, 8),
	}
	if connectErr != nil {
		h.factory.Next = brokertest.Token{Err: connectErr}
	}
	h.core = New(Options{
		Settings: alarmlink.StaticSettings{
			Phone: "+7 999 000-11-22",
			Mode:  mode,
			Broker: alarmlink.BrokerSettings{
				Host:     "broker.local",
				Port:     "1883",
				Username: "acct",
				Password: "secret",
			},
		},
		History:   h.history,
		Notifier:  h.notifier,
		Images:    h.images,
		SMS:       h.sms,
		NewClient: h.factory.New,
		Now:       h.clock.Now,
		OnFrame: func(f frame.Frame) {
			h.frames <- f
		},
	})
	require.NoError(t, h.core.Start(context.Background()))
	t.Cleanup(h.core.Stop)
	return h
}

func (h *harness) connect(t *testing.T) *brokertest.Client {
	t.Helper()
	client := h.factory.Last()
	require.NotNil(t, client)
	client.Establish()
	require.Eventually(t, func() bool {
		return h.core.ConnectionState() == alarmlink.StateConnected
	}, wait, tick)
	return client
}

// sync waits until every message delivered so far was processed.
func (h *harness) sync(t *testing.T, client *brokertest.Client) {
	t.Helper()
	n := h.core.Stats().Unrouted
	client.Deliver("acct/barrier", nil, false)
	require.Eventually(t, func() bool {
		return h.core.Stats().Unrouted > n
	}, wait, tick)
}

// awaitFrame returns the next decoded frame once both decoders are idle
// again, so the following frame is not dropped as busy.
func (h *harness) awaitFrame(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		require.Eventually(t, func() bool {
			return !h.core.liveGate.Busy() && !h.core.previewGate.Busy()
		}, wait, tick)
		return f
	case <-time.After(wait):
		t.Fatal("no frame")
		return frame.Frame{}
	}
}

func jpegFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 24)), nil))
	return buf.Bytes()
}

func deliverFrame(client *brokertest.Client, topic string, img []byte) {
	client.Deliver(topic, []byte("START"), false)
	half := len(img) / 2
	client.Deliver(topic, img[:half], false)
	client.Deliver(topic, img[half:], false)
	client.Deliver(topic, []byte("END"), false)
}

func TestStatusMergePreservesFields(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)

	client.Deliver("acct/status", []byte(`{"armed":true,"locked":true,"sound_level":10}`), false)
	client.Deliver("acct/alarm/status", []byte(`{"pir":true}`), false)
	h.sync(t, client)

	s := h.core.Status()
	require.True(t, s.Armed)
	require.True(t, s.Locked)
	require.Equal(t, 10, s.SoundLevel)
	require.Equal(t, alarmlink.MotionDetected, s.Motion)
	require.False(t, s.Alarming)
	require.True(t, h.clock.Now().Equal(h.core.Stats().LastData))
}

func TestStatusMalformedLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)

	client.Deliver("acct/status", []byte(`{"armed":true}`), false)
	h.sync(t, client)
	before := h.core.Status()

	client.Deliver("acct/status", []byte(`{"armed":false,`), false)
	client.Deliver("acct/alarm/sound", []byte("loud"), false)
	h.sync(t, client)

	require.Equal(t, before, h.core.Status())
	require.Equal(t, int64(2), h.core.Stats().ParseErrors)
}

func TestSoundAndMotionTopics(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)

	client.Deliver("acct/alarm/sound", []byte("4095"), false)
	client.Deliver("acct/alarm/motion", []byte("1"), false)
	h.sync(t, client)
	require.Equal(t, 120, h.core.Status().SoundLevel)
	require.Equal(t, alarmlink.MotionActive, h.core.Status().Motion)

	client.Deliver("acct/alarm/motion", []byte("0"), false)
	h.sync(t, client)
	require.Equal(t, alarmlink.MotionClear, h.core.Status().Motion)
}

func TestRetainedMessagesSeedBaselineOnly(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)

	retained := []byte(`{"armed":true,"pirStatus":"ALERT"}`)
	client.Deliver("acct/status", retained, true)
	client.Deliver("acct/status", retained, true)
	client.Deliver("acct/alarm/motion", []byte("ALARM"), true)
	h.sync(t, client)

	s := h.core.Status()
	require.True(t, s.Armed)
	require.Equal(t, alarmlink.MotionDetected, s.Motion)
	require.False(t, s.Alarming)
	require.True(t, h.core.Stats().LastData.IsZero())
	alarms, _ := h.notifier.snapshot()
	require.Empty(t, alarms)

	// once live data arrived, retained values are stale
	client.Deliver("acct/alarm/sound", []byte("0"), false)
	client.Deliver("acct/status", []byte(`{"armed":false}`), true)
	h.sync(t, client)
	require.True(t, h.core.Status().Armed)
}

func TestMotionAlarm(t *testing.T) {
	h := newHarness(t, alarmlink.ModeHybrid, nil)
	client := h.connect(t)

	client.Deliver("acct/alarm/motion", []byte("ALARM"), false)
	h.sync(t, client)

	s := h.core.Status()
	require.True(t, s.Alarming)
	require.Equal(t, alarmlink.MotionAlert, s.Motion)

	records := h.history.all()
	require.Len(t, records, 1)
	require.Equal(t, alarmlink.CategoryAlarm, records[0].Category)
	require.Equal(t, "Motion and sound correlated", records[0].Message)

	// the same alarm over sms is not notified twice
	_, err := h.core.HandleSMS("+79990001122", "ALARM! Motion detected")
	require.NoError(t, err)
	alarms, _ := h.notifier.snapshot()
	require.Equal(t, []string{"Motion and sound correlated"}, alarms)

	// partial broker status never clears the alarm
	client.Deliver("acct/status", []byte(`{"armed":true,"pir":false}`), false)
	h.sync(t, client)
	require.True(t, h.core.Status().Alarming)

	// a full status sms does
	_, err = h.core.HandleSMS("+79990001122", "Armed:1,Locked:1,PIR:0,Sound:30")
	require.NoError(t, err)
	require.False(t, h.core.Status().Alarming)
	_, cleared := h.notifier.snapshot()
	require.Equal(t, 1, cleared)
}

func TestJSONAlarmEvent(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)

	client.Deliver("acct/alarm/status", []byte(`{"type":"alarm"}`), false)
	h.sync(t, client)
	require.True(t, h.core.Status().Alarming)
	alarms, _ := h.notifier.snapshot()
	require.Equal(t, []string{"Device reported an alarm"}, alarms)
}

func TestHandleSMS(t *testing.T) {
	h := newHarness(t, alarmlink.ModeSMSOnly, nil)

	res, err := h.core.HandleSMS("+79990001122", "Alarm:ON\nMotion:YES\nSound:26.3")
	require.NoError(t, err)
	require.Equal(t, alarmlink.LineStatus.Name, res.Format)

	s := h.core.Status()
	require.True(t, s.Armed)
	require.Equal(t, alarmlink.MotionActive, s.Motion)
	require.Equal(t, 26, s.SoundLevel)
	require.False(t, s.Alarming)

	_, err = h.core.HandleSMS("+79990001122", "gibberish")
	require.Error(t, err)
	require.Equal(t, s, h.core.Status())
	require.Equal(t, int64(1), h.core.Stats().SMSReceived)
}

func TestWatch(t *testing.T) {
	h := newHarness(t, alarmlink.ModeSMSOnly, nil)
	var got []alarmlink.DeviceStatus
	cancel := h.core.Watch(func(s alarmlink.DeviceStatus) {
		got = append(got, s)
	})
	_, err := h.core.HandleSMS("", "Locked")
	require.NoError(t, err)
	cancel()
	_, err = h.core.HandleSMS("", "Unlocked")
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.True(t, got[0].Locked)
}

func TestDisarmClearsAlarmLocally(t *testing.T) {
	h := newHarness(t, alarmlink.ModeSMSOnly, nil)

	_, err := h.core.HandleSMS("+79990001122", "ALARM! Motion detected")
	require.NoError(t, err)
	require.True(t, h.core.Status().Alarming)

	h.sms.mu.Lock()
	h.sms.err = errors.New("no signal")
	h.sms.mu.Unlock()
	require.Error(t, h.core.SendCommand(context.Background(), alarmlink.CmdDisarm))
	require.True(t, h.core.Status().Alarming)
	_, cleared := h.notifier.snapshot()
	require.Zero(t, cleared)

	h.sms.mu.Lock()
	h.sms.err = nil
	h.sms.mu.Unlock()
	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdDisarm))
	require.False(t, h.core.Status().Alarming)
	require.Equal(t, []string{"+7 999 000-11-22 DISARM"}, h.sms.all())
	_, cleared = h.notifier.snapshot()
	require.Equal(t, 1, cleared)
}

func TestSendCommandHybrid(t *testing.T) {
	h := newHarness(t, alarmlink.ModeHybrid, nil)
	client := h.connect(t)

	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdArm))
	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdStatus))
	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdStreamOn))

	require.Equal(t, []string{
		"+7 999 000-11-22 ARM",
		"+7 999 000-11-22 STATUS",
	}, h.sms.all())

	var topics []string
	for _, p := range client.Published() {
		topics = append(topics, p.Topic+" "+string(p.Payload))
	}
	require.Equal(t, []string{
		"acct/alarm/control ARM",
		"acct/camera/control STATUS",
		"acct/alarm/control STATUS",
		"acct/camera/control STREAM_ON",
	}, topics)
}

func TestSendCommandHybridSurvivesOneTransport(t *testing.T) {
	h := newHarness(t, alarmlink.ModeHybrid, nil)
	// broker still connecting, sms works
	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdArm))

	h.sms.mu.Lock()
	h.sms.err = errors.New("no signal")
	h.sms.mu.Unlock()
	err := h.core.SendCommand(context.Background(), alarmlink.CmdArm)
	require.ErrorIs(t, err, broker.ErrNotConnected)
	require.ErrorContains(t, err, "no signal")
}

func TestSendCommandSMSOnly(t *testing.T) {
	h := newHarness(t, alarmlink.ModeSMSOnly, nil)

	err := h.core.SendCommand(context.Background(), alarmlink.CmdStreamPreview)
	require.ErrorIs(t, err, ErrUnsupported)

	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdArm))
	require.Equal(t, 0, h.factory.Count())
	require.Equal(t, alarmlink.StateDisconnected, h.core.ConnectionState())
	require.ErrorIs(t, h.core.Connect(), ErrBrokerDisabled)
}

func TestSendWhileDisconnectedKicksConnect(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, errors.New("refused"))
	require.Eventually(t, func() bool {
		return h.core.ConnectionState() == alarmlink.StateError
	}, wait, tick)

	// a partial frame must not survive a failed handshake
	_, err := h.core.live.Push([]byte("START"))
	require.NoError(t, err)
	_, err = h.core.live.Push([]byte{0xFF, 0xD8, 0x01})
	require.NoError(t, err)
	require.True(t, h.core.live.Receiving())

	h.factory.Next = brokertest.Token{Err: errors.New("refused again")}
	err = h.core.SendCommand(context.Background(), alarmlink.CmdArm)
	require.ErrorIs(t, err, broker.ErrNotConnected)
	require.Equal(t, 2, h.factory.Count())
	require.Empty(t, h.sms.all())

	require.Eventually(t, func() bool {
		return !h.core.live.Receiving()
	}, wait, tick)
	require.Equal(t, alarmlink.StateError, h.core.ConnectionState())
	require.Equal(t, int64(1), h.core.Stats().AbandonedFrames)

	h.connect(t)
	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdArm))
}

func TestConnectValidatesSettings(t *testing.T) {
	core := New(Options{Settings: alarmlink.StaticSettings{
		Mode:   alarmlink.ModeMQTTOnly,
		Broker: alarmlink.BrokerSettings{Host: "broker.local", Port: "mqtt"},
	}})
	err := core.Start(context.Background())
	t.Cleanup(core.Stop)
	require.ErrorIs(t, err, broker.ErrInvalidPort)
	require.Equal(t, alarmlink.StateDisconnected, core.ConnectionState())
}

func TestOnline(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	require.False(t, h.core.Online())

	client := h.connect(t)
	require.False(t, h.core.Online(), "connected but the device is silent")

	client.Deliver("acct/alarm/sound", []byte("100"), false)
	h.sync(t, client)
	require.True(t, h.core.Online())

	h.clock.Advance(DefaultLivenessWindow + time.Second)
	require.False(t, h.core.Online())

	require.True(t, newHarness(t, alarmlink.ModeSMSOnly, nil).core.Online())
}

func TestLiveStream(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)
	img := jpegFixture(t)

	deliverFrame(client, "acct/camera/stream", img)
	f := h.awaitFrame(t)
	require.Equal(t, frame.StreamLive, f.Stream)
	require.Equal(t, img, f.Data)
	require.Equal(t, 32, f.Width)
	require.Equal(t, 24, f.Height)

	client.Deliver("acct/camera/stream", append([]byte{0x12, 0x34}, make([]byte, 200)...), false)
	h.sync(t, client)
	require.Equal(t, int64(1), h.core.Stats().RejectedFrames)
	require.Empty(t, h.history.all())
}

func TestPreviewAttribution(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)
	img := jpegFixture(t)

	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdStreamPreview))
	h.clock.Advance(2 * time.Second)
	deliverFrame(client, "acct/camera/alarm_snapshot", img)
	h.awaitFrame(t)

	p, ok := h.core.LatestPreview()
	require.True(t, ok)
	require.Equal(t, img, p.Data)
	require.Empty(t, h.history.all())

	// past the response window the frame is a detection
	h.clock.Advance(DefaultPreviewWindow)
	deliverFrame(client, "acct/camera/alarm_snapshot", img)
	h.awaitFrame(t)
	require.Eventually(t, func() bool {
		return len(h.history.all()) == 1
	}, wait, tick)

	rec := h.history.all()[0]
	require.Equal(t, alarmlink.CategoryAlarm, rec.Category)
	require.Equal(t, "/detections/det_20240601_120010.jpg", rec.ImagePath)
	require.Equal(t, int64(1), h.core.Stats().Detections)
}

func TestConnectionLostResetsStreams(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)

	client.Deliver("acct/camera/stream", []byte("START"), false)
	client.Deliver("acct/camera/stream", []byte{0xFF, 0xD8, 0x01}, false)
	h.sync(t, client)
	require.True(t, h.core.live.Receiving())

	client.Lose(errors.New("eof"))
	require.Eventually(t, func() bool {
		return !h.core.live.Receiving()
	}, wait, tick)
	require.Equal(t, alarmlink.StateDisconnected, h.core.ConnectionState())
	require.Equal(t, int64(1), h.core.Stats().AbandonedFrames)
}

func TestDisconnectClearsPreview(t *testing.T) {
	h := newHarness(t, alarmlink.ModeMQTTOnly, nil)
	client := h.connect(t)
	img := jpegFixture(t)

	require.NoError(t, h.core.SendCommand(context.Background(), alarmlink.CmdStreamPreview))
	deliverFrame(client, "acct/camera/alarm_snapshot", img)
	h.awaitFrame(t)
	_, ok := h.core.LatestPreview()
	require.True(t, ok)

	h.core.Disconnect()
	_, ok = h.core.LatestPreview()
	require.False(t, ok)
	require.Equal(t, alarmlink.StateDisconnected, h.core.ConnectionState())
	require.True(t, h.core.Stats().LastData.IsZero())
	require.Len(t, client.Unsubscribed(), 6)
}
