package sms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/sync/cio"
)

const (
	crlf   = "\r\n"
	prompt = "> "
	ctrlZ  = "\x1A"

	modemTimeout = 5 * time.Second
)

var ErrModem = errors.New("modem error")

// Modem transmits SMS through a GSM modem whose AT port is exposed over TCP.
type Modem struct {
	Addr    string
	Timeout time.Duration

	mu sync.Mutex
}

func NewModem(addr string) *Modem {
	return &Modem{Addr: addr, Timeout: modemTimeout}
}

func (m *Modem) Transmit(ctx context.Context, dest, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := net.Dialer{Timeout: m.Timeout}
	conn, err := d.DialContext(ctx, "tcp", m.Addr)
	if err != nil {
		return fmt.Errorf("could not connect to modem: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("could not close modem connection", "err", err)
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	at := &atConn{conn: conn, timeout: m.Timeout}
	for _, cmd := range []string{"AT", "ATE0", "AT+CMGF=1"} {
		if err := at.command(cmd); err != nil {
			return err
		}
	}

	if err := at.write(fmt.Sprintf("AT+CMGS=%q\r", dest)); err != nil {
		return err
	}
	if err := at.await(func(s string) bool { return strings.Contains(s, prompt) }); err != nil {
		return fmt.Errorf("no message prompt: %w", err)
	}
	if err := at.write(text + ctrlZ); err != nil {
		return err
	}
	if err := at.await(finalOK); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	log.Debug("modem accepted message", "dest", dest)
	return nil
}

type atConn struct {
	conn    net.Conn
	timeout time.Duration
	pending strings.Builder
}

func (c *atConn) command(cmd string) error {
	log.Debug("at", "cmd", cmd)
	if err := c.write(cmd + "\r"); err != nil {
		return err
	}
	if err := c.await(finalOK); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func (c *atConn) write(s string) error {
	if _, err := c.conn.Write([]byte(s)); err != nil {
		return fmt.Errorf("could not write to modem: %w", err)
	}
	return nil
}

// await reads until done matches the unconsumed output or the modem
// reports an error.
func (c *atConn) await(done func(string) bool) error {
	buf := make([]byte, 256)
	for {
		out := c.pending.String()
		if err := modemError(out); err != nil {
			c.pending.Reset()
			return err
		}
		if done(out) {
			c.pending.Reset()
			return nil
		}
		n, err := cio.TimeoutReader(c.conn, c.timeout).Read(buf)
		if err != nil {
			return fmt.Errorf("could not read from modem: %w", err)
		}
		c.pending.Write(buf[:n])
	}
}

func finalOK(s string) bool {
	for _, line := range strings.Split(s, crlf) {
		if strings.TrimSpace(line) == "OK" {
			return true
		}
	}
	return false
}

func modemError(s string) error {
	for _, line := range strings.Split(s, crlf) {
		line = strings.TrimSpace(line)
		if line == "ERROR" ||
			strings.HasPrefix(line, "+CMS ERROR:") ||
			strings.HasPrefix(line, "+CME ERROR:") {
			return fmt.Errorf("%w: %s", ErrModem, line)
		}
	}
	return nil
}
