// Package companion is the device companion core: it keeps the broker
// session, reconciles status from both transports and routes commands.
package companion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/alarmlink"
	"github.com/caarlos0/alarmlink/broker"
	"github.com/caarlos0/alarmlink/frame"
	"github.com/caarlos0/alarmlink/sms"
	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "companion",
})

const (
	DefaultPreviewWindow  = 8 * time.Second
	DefaultLivenessWindow = 30 * time.Second
)

var (
	ErrUnsupported    = errors.New("not supported in this connection mode")
	ErrBrokerDisabled = errors.New("broker is disabled")
)

// SMSSender is the outbound SMS path.
type SMSSender interface {
	Send(ctx context.Context, phone, text string) error
}

type Options struct {
	Settings alarmlink.SettingsStore
	History  alarmlink.HistorySink
	Notifier alarmlink.Notifier
	Images   alarmlink.ImageSaver
	SMS      SMSSender

	// NewClient builds the MQTT client, defaults to paho.
	NewClient broker.ClientFactory

	ChunkTimeout   time.Duration
	PreviewWindow  time.Duration
	LivenessWindow time.Duration

	// OnFrame receives every decoded frame of both streams.
	OnFrame func(frame.Frame)
	Now     func() time.Time
}

// Preview is the last frame received on the snapshot topic.
type Preview struct {
	Data []byte
	At   time.Time
}

// Core is the companion service object. Build one with New, then Start it.
type Core struct {
	opts    Options
	store   *alarmlink.Store
	session *broker.Session
	router  *broker.Router
	parser  func() sms.Parser

	live        *frame.Reassembler
	preview     *frame.Reassembler
	liveGate    *frame.Gate
	previewGate *frame.Gate

	mu           sync.Mutex
	sessionStart time.Time
	previewAsked time.Time
	latest       Preview

	messages    atomic.Int64
	parseErrors atomic.Int64
	unrouted    atomic.Int64
	smsReceived atomic.Int64
	detections  atomic.Int64
	alarms      atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Core {
	if opts.Settings == nil {
		opts.Settings = alarmlink.StaticSettings{}
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = frame.DefaultTimeout
	}
	if opts.PreviewWindow <= 0 {
		opts.PreviewWindow = DefaultPreviewWindow
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Core{
		opts:    opts,
		store:   alarmlink.NewStore(alarmlink.DeviceStatus{UpdatedAt: opts.Now()}),
		session: broker.NewSession(opts.NewClient),
		router:  broker.NewRouter(),
	}
	c.parser = func() sms.Parser {
		s := c.opts.Settings.Settings()
		return sms.Parser{Phone: s.Phone, FilterSender: s.FilterSender}
	}
	c.live = frame.NewReassembler(frame.StreamLive, frame.Options{
		Timeout:    opts.ChunkTimeout,
		MinRawSize: frame.MinLiveSize,
		Now:        opts.Now,
	})
	c.preview = frame.NewReassembler(frame.StreamPreview, frame.Options{
		Timeout:    opts.ChunkTimeout,
		MinRawSize: frame.MinPreviewSize,
		Now:        opts.Now,
	})
	c.liveGate = frame.NewGate(frame.StreamLive, c.onFrame)
	c.previewGate = frame.NewGate(frame.StreamPreview, c.onFrame)
	return c
}

// Start runs the event worker and, unless the mode is SMS only, connects to
// the broker.
func (c *Core) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()

	if !c.opts.Settings.Settings().Mode.UsesBroker() {
		log.Info("broker disabled", "mode", c.opts.Settings.Settings().Mode)
		return nil
	}
	return c.Connect()
}

// Stop waits for the worker, disconnects and waits for in-flight decodes.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.session.Close()
	if c.session.State() != alarmlink.StateDisconnected {
		c.Disconnect()
	}
	c.liveGate.Wait()
	c.previewGate.Wait()
}

func (c *Core) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.session.Events():
			c.handle(ev)
		}
	}
}

func (c *Core) handle(ev broker.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("event handler panicked", "kind", ev.Kind, "panic", rec)
		}
	}()

	switch ev.Kind {
	case broker.EventMessage:
		c.messages.Add(1)
		msg := ev.Message
		msg.At = c.now()
		if err := c.router.Dispatch(msg); err != nil {
			if errors.Is(err, broker.ErrUnknownTopic) {
				c.unrouted.Add(1)
				return
			}
			c.parseErrors.Add(1)
		}
	case broker.EventState:
		switch ev.State {
		case alarmlink.StateConnected:
			c.mu.Lock()
			c.sessionStart = c.now()
			c.mu.Unlock()
		case alarmlink.StateError:
			c.resetStreams()
		}
	case broker.EventConnected:
		log.Info("session ready", "topics", c.session.Topics().Subscribed())
	case broker.EventConnectionLost:
		// a partial frame can never complete across a reconnect
		c.resetStreams()
	case broker.EventDisconnected:
		c.resetStreams()
	}
}

// Connect snapshots the settings and starts a broker connection attempt.
func (c *Core) Connect() error {
	s := c.opts.Settings.Settings()
	if !s.Mode.UsesBroker() {
		return fmt.Errorf("%w in %s mode", ErrBrokerDisabled, s.Mode)
	}
	switch c.session.State() {
	case alarmlink.StateConnected:
		return nil
	case alarmlink.StateConnecting:
		return broker.ErrConnecting
	}
	cfg, err := broker.ConfigFrom(s.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker settings: %w", err)
	}
	c.router.Bind(cfg.Topics, c.handlers())
	return c.session.Connect(cfg)
}

// Disconnect releases the broker session and forgets every per-session
// cache.
func (c *Core) Disconnect() {
	c.session.Disconnect()
	c.resetStreams()
	c.router.ResetLiveness()
	c.mu.Lock()
	c.latest = Preview{}
	c.previewAsked = time.Time{}
	c.mu.Unlock()
}

func (c *Core) resetStreams() {
	c.live.Reset()
	c.preview.Reset()
}

// SendCommand routes cmd over the transports enabled by the connection
// mode. In hybrid mode the command succeeds if any transport took it.
func (c *Core) SendCommand(ctx context.Context, cmd alarmlink.Command) error {
	settings := c.opts.Settings.Settings()
	mode := settings.Mode
	if cmd.IsCamera() && !mode.UsesBroker() {
		return fmt.Errorf("%s: %w", cmd, ErrUnsupported)
	}

	if cmd == alarmlink.CmdStreamPreview {
		c.mu.Lock()
		c.previewAsked = c.now()
		c.mu.Unlock()
	}

	var errs []error
	delivered := false
	if mode.UsesSMS() && !cmd.IsCamera() {
		if err := c.sendSMS(ctx, settings.Phone, cmd); err != nil {
			errs = append(errs, fmt.Errorf("sms: %w", err))
		} else {
			delivered = true
		}
	}
	if mode.UsesBroker() {
		if err := c.publish(cmd); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		} else {
			delivered = true
		}
	}

	// the alarm only clears once the device can have heard the disarm
	if delivered && cmd == alarmlink.CmdDisarm {
		c.apply(alarmlink.Patch{ClearAlarm: true}, "disarm", "")
	}

	err := errors.Join(errs...)
	if delivered && err != nil {
		log.Warn("command partially sent", "cmd", cmd, "mode", mode, "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not send %s: %w", cmd, err)
	}
	log.Info("command sent", "cmd", cmd, "mode", mode)
	return nil
}

func (c *Core) sendSMS(ctx context.Context, phone string, cmd alarmlink.Command) error {
	if c.opts.SMS == nil {
		return errors.New("no sms sender configured")
	}
	return c.opts.SMS.Send(ctx, phone, string(cmd))
}

func (c *Core) publish(cmd alarmlink.Command) error {
	if c.session.State() != alarmlink.StateConnected {
		if err := c.Connect(); err != nil && !errors.Is(err, broker.ErrConnecting) {
			log.Warn("could not start connection", "err", err)
		}
		return broker.ErrNotConnected
	}
	var errs []error
	for _, topic := range c.session.Topics().Route(cmd) {
		if err := c.session.Publish(topic, []byte(cmd)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleSMS decodes an inbound text message from the device.
func (c *Core) HandleSMS(sender, body string) (sms.Result, error) {
	res, err := c.parser().Parse(sender, body)
	if err != nil {
		c.parseErrors.Add(1)
		log.Warn("dropping sms", "sender", sender, "err", err)
		return res, err
	}
	switch res.Kind {
	case sms.KindIgnored:
		return res, nil
	case sms.KindUnknownCommand:
		log.Warn("device did not understand the last command", "reply", body)
	}
	c.smsReceived.Add(1)
	if !res.Patch.Empty() {
		c.apply(res.Patch, "sms", body)
	}
	return res, nil
}

func (c *Core) Status() alarmlink.DeviceStatus {
	return c.store.Current()
}

// Watch calls fn with every new status. Callbacks must not block.
func (c *Core) Watch(fn func(alarmlink.DeviceStatus)) (cancel func()) {
	return c.store.Watch(fn)
}

func (c *Core) ConnectionState() alarmlink.ConnectionState {
	return c.session.State()
}

// Online reports whether the device itself is reachable: always in SMS
// only mode, otherwise only while connected and receiving live data.
func (c *Core) Online() bool {
	if c.opts.Settings.Settings().Mode == alarmlink.ModeSMSOnly {
		return true
	}
	if c.session.State() != alarmlink.StateConnected {
		return false
	}
	last := c.router.LastDataReceived()
	return !last.IsZero() && c.now().Sub(last) <= c.opts.LivenessWindow
}

func (c *Core) LatestPreview() (Preview, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.latest.Data != nil
}

func (c *Core) now() time.Time {
	return c.opts.Now()
}
