package sms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPermission is returned by transmitters that are not allowed to send.
// It is never retried.
var ErrPermission = errors.New("not allowed to send sms")

// Transmitter is the SMS transmit primitive.
type Transmitter interface {
	Transmit(ctx context.Context, dest, text string) error
}

// Composer hands a message over to the user to send manually.
type Composer interface {
	Compose(dest, text string) error
}

type Sender struct {
	tx      Transmitter
	compose Composer

	// BackOff builds the retry policy of a single send.
	BackOff func() backoff.BackOff
}

func NewSender(tx Transmitter, compose Composer) *Sender {
	return &Sender{
		tx:      tx,
		compose: compose,
		BackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxInterval = time.Second * 5
			bo.MaxElapsedTime = time.Second * 30
			return backoff.WithMaxRetries(bo, 3)
		},
	}
}

// Send transmits text to phone, retrying transient failures. When the
// transmitter gives up the message goes to the composer instead.
func (s *Sender) Send(ctx context.Context, phone, text string) error {
	dest, err := CleanNumber(phone)
	if err != nil {
		return err
	}

	if s.tx == nil {
		return s.fallback(dest, text, errors.New("no transmitter"))
	}

	err = backoff.RetryNotify(func() error {
		err := s.tx.Transmit(ctx, dest, text)
		if errors.Is(err, ErrPermission) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(s.BackOff(), ctx), func(err error, d time.Duration) {
		log.Warn("could not send sms, retrying", "dest", dest, "in", d, "err", err)
	})
	if err == nil {
		log.Info("sms sent", "dest", dest, "text", text)
		return nil
	}
	return s.fallback(dest, text, err)
}

func (s *Sender) fallback(dest, text string, cause error) error {
	if s.compose == nil {
		return fmt.Errorf("could not send sms: %w", cause)
	}
	log.Warn("handing sms over to composer", "dest", dest, "err", cause)
	if err := s.compose.Compose(dest, text); err != nil {
		return fmt.Errorf("could not send sms: %w", errors.Join(cause, err))
	}
	return nil
}
