// Package brokertest provides an in-memory MQTT client for tests.
package brokertest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is a completed token carrying Err.
type Token struct {
	Err error
}

func (t Token) Wait() bool                     { return true }
func (t Token) WaitTimeout(time.Duration) bool { return true }
func (t Token) Error() error                   { return t.Err }
func (t Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// PendingToken blocks until Complete is called.
type PendingToken struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewPendingToken() *PendingToken {
	return &PendingToken{done: make(chan struct{})}
}

func (t *PendingToken) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *PendingToken) Wait() bool {
	<-t.done
	return true
}

func (t *PendingToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *PendingToken) Done() <-chan struct{} { return t.done }

func (t *PendingToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type Published struct {
	Topic    string
	Qos      byte
	Retained bool
	Payload  []byte
}

// Client is a fake mqtt.Client. Tests drive the connection lifecycle with
// Establish, Lose and Deliver.
type Client struct {
	mu           sync.Mutex
	Opts         *mqtt.ClientOptions
	ConnectToken mqtt.Token
	connected    bool
	handler      mqtt.MessageHandler
	subs         map[string]byte
	published    []Published
	unsubscribed []string
	disconnects  int
}

// Factory records every client it builds.
type Factory struct {
	mu      sync.Mutex
	clients []*Client
	// Next, when set, is used as the connect token of the next client.
	Next mqtt.Token
}

func (f *Factory) New(opts *mqtt.ClientOptions) mqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Client{Opts: opts, ConnectToken: f.Next, subs: map[string]byte{}}
	f.Next = nil
	f.clients = append(f.clients, c)
	return c
}

func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Establish completes the handshake and runs the on-connect handler.
func (c *Client) Establish() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.Opts.OnConnect != nil {
		c.Opts.OnConnect(c)
	}
}

// Lose drops the connection and runs the connection-lost handler.
func (c *Client) Lose(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.Opts.OnConnectionLost != nil {
		c.Opts.OnConnectionLost(c, err)
	}
}

// Deliver feeds a message to the subscription handler.
func (c *Client) Deliver(topic string, payload []byte, retained bool) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(c, &Message{topic: topic, payload: payload, retained: retained})
}

func (c *Client) Subscriptions() map[string]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]byte, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Client) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	if c.ConnectToken != nil {
		return c.ConnectToken
	}
	return Token{}
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Published{Topic: topic, Qos: qos, Retained: retained, Payload: b})
	return Token{}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range filters {
		c.subs[k] = v
	}
	c.handler = callback
	return Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.unsubscribed = append(c.unsubscribed, topics...)
	return Token{}
}

func (c *Client) AddRoute(string, mqtt.MessageHandler) {}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Message is a fake mqtt.Message.
type Message struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return m.retained }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}
