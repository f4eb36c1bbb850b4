package broker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/alarmlink"
	logp "github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "broker",
})

const (
	timeout        = 10 * time.Second
	keepAlive      = 20 * time.Second
	quiesce        = 250
	clientIDPrefix = "alarmlink"
)

var (
	ErrConnecting   = errors.New("connection attempt already in flight")
	ErrNotConnected = errors.New("not connected")
	ErrInvalidPort  = errors.New("invalid port")
	ErrMissingHost  = errors.New("missing host")
)

// Config is the connection snapshot taken at connect time.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	Topics   Topics
}

// ConfigFrom validates user settings into a Config.
func ConfigFrom(s alarmlink.BrokerSettings) (Config, error) {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		return Config{}, ErrMissingHost
	}
	port, err := strconv.Atoi(strings.TrimSpace(s.Port))
	if err != nil || port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidPort, s.Port)
	}
	account := s.Account
	if account == "" {
		account = s.Username
	}
	return Config{
		Host:     host,
		Port:     port,
		Username: s.Username,
		Password: s.Password,
		ClientID: s.ClientID,
		Topics:   TopicsFor(account),
	}, nil
}

func (c Config) URI() string {
	if strings.Contains(c.Host, "://") {
		return c.Host
	}
	return "tcp://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Message is one inbound broker message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
	At       time.Time
}

type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventState
	EventConnected
	EventConnectionLost
	EventDisconnected
)

// Event is pushed by the session for the consumer worker.
type Event struct {
	Kind    EventKind
	Message Message
	State   alarmlink.ConnectionState
	Err     error
}

// ClientFactory builds the underlying MQTT client.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Session owns one persistent broker connection. It is the only writer of
// the connection state.
type Session struct {
	mu        sync.Mutex
	state     alarmlink.ConnectionState
	client    mqtt.Client
	cfg       Config
	clientID  string
	newClient ClientFactory
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(factory ClientFactory) *Session {
	if factory == nil {
		factory = mqtt.NewClient
	}
	return &Session{
		newClient: factory,
		clientID:  clientIDPrefix + "_" + uuid.NewString(),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

// Events delivers messages and connection changes in arrival order.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() alarmlink.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Topics() Topics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Topics
}

// Connect starts a connection attempt. It is a no-op when already
// connected, and is rejected with ErrConnecting while an attempt is in
// flight.
func (s *Session) Connect(cfg Config) error {
	s.mu.Lock()
	switch s.state {
	case alarmlink.StateConnected:
		s.mu.Unlock()
		return nil
	case alarmlink.StateConnecting:
		s.mu.Unlock()
		return ErrConnecting
	}
	if cfg.ClientID == "" {
		cfg.ClientID = s.clientID
	}
	s.cfg = cfg
	s.state = alarmlink.StateConnecting
	stale := s.client
	client := s.newClient(s.options(cfg))
	s.client = client
	s.mu.Unlock()

	if stale != nil {
		stale.Disconnect(0)
	}

	log.Info("connecting", "broker", cfg.URI(), "client", cfg.ClientID)
	s.emit(Event{Kind: EventState, State: alarmlink.StateConnecting})

	token := client.Connect()
	go s.awaitConnect(client, token)
	return nil
}

func (s *Session) options(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URI())
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// the broker keeps our subscriptions across reconnects
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(timeout)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info("reconnecting")
		s.setState(alarmlink.StateConnecting)
	})
	return opts
}

func (s *Session) awaitConnect(client mqtt.Client, token mqtt.Token) {
	var err error
	if !token.WaitTimeout(timeout + time.Second) {
		err = fmt.Errorf("connect timed out after %s", timeout)
	} else {
		err = token.Error()
	}
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.state = alarmlink.StateError
	s.mu.Unlock()

	log.Error("could not connect", "err", err)
	s.emit(Event{Kind: EventState, State: alarmlink.StateError, Err: err})
}

func (s *Session) onConnect(c mqtt.Client) {
	s.mu.Lock()
	if s.client != c {
		s.mu.Unlock()
		return
	}
	s.state = alarmlink.StateConnected
	topics := s.cfg.Topics
	s.mu.Unlock()

	log.Info("connected")
	s.emit(Event{Kind: EventState, State: alarmlink.StateConnected})

	token := c.SubscribeMultiple(topics.Subscriptions(), s.onMessage)
	go func() {
		if token.WaitTimeout(timeout) && token.Error() != nil {
			log.Error("could not subscribe", "err", token.Error())
		}
	}()
	s.emit(Event{Kind: EventConnected})
}

func (s *Session) onConnectionLost(c mqtt.Client, err error) {
	s.mu.Lock()
	if s.client != c {
		s.mu.Unlock()
		return
	}
	s.state = alarmlink.StateDisconnected
	s.mu.Unlock()

	log.Warn("connection lost", "err", err)
	s.emit(Event{Kind: EventState, State: alarmlink.StateDisconnected, Err: err})
	s.emit(Event{Kind: EventConnectionLost, Err: err})
}

func (s *Session) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.emit(Event{Kind: EventMessage, Message: Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retained: m.Retained(),
		At:       time.Now(),
	}})
}

func (s *Session) setState(state alarmlink.ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.emit(Event{Kind: EventState, State: state})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Publish sends a non-retained, best-effort message.
func (s *Session) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	connected := s.state == alarmlink.StateConnected
	s.mu.Unlock()
	if client == nil || !connected {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("could not publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("could not publish to %s: %w", topic, err)
	}
	return nil
}

// Disconnect unsubscribes, releases the session and goes back to
// Disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	client := s.client
	topics := s.cfg.Topics
	s.client = nil
	s.state = alarmlink.StateDisconnected
	s.mu.Unlock()

	if client != nil {
		if client.IsConnected() {
			token := client.Unsubscribe(topics.Subscribed()...)
			if token.WaitTimeout(timeout) && token.Error() != nil {
				log.Warn("could not unsubscribe", "err", token.Error())
			}
		}
		client.Disconnect(quiesce)
	}

	log.Info("disconnected")
	s.emit(Event{Kind: EventState, State: alarmlink.StateDisconnected})
	s.emit(Event{Kind: EventDisconnected})
}

// Close stops event delivery. Pending emits are abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
