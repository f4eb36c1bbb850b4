package frame

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is a decoded, validated image.
type Frame struct {
	Stream Stream
	Data   []byte
	Width  int
	Height int
	At     time.Time
}

// Gate decodes frames off the caller's goroutine, one at a time. Frames
// submitted while a decode is in progress are dropped, never queued.
type Gate struct {
	stream  Stream
	deliver func(Frame)

	busy      atomic.Bool
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
}

func NewGate(stream Stream, deliver func(Frame)) *Gate {
	return &Gate{stream: stream, deliver: deliver}
}

// Submit starts decoding data and reports whether it was accepted.
func (g *Gate) Submit(data []byte, at time.Time) bool {
	if !g.busy.CompareAndSwap(false, true) {
		n := g.dropped.Add(1)
		log.Debug("decoder busy, dropping frame", "stream", g.stream, "dropped", n)
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.busy.Store(false)
		if err := g.decode(data, at); err != nil {
			g.failed.Add(1)
			log.Warn("could not decode frame", "stream", g.stream, "err", err)
		}
	}()
	return true
}

func (g *Gate) decode(data []byte, at time.Time) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("frame consumer panicked: %v", rec)
		}
	}()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	g.deliver(Frame{
		Stream: g.stream,
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
		At:     at,
	})
	g.delivered.Add(1)
	return nil
}

// Wait blocks until the in-flight decode, if any, is done.
func (g *Gate) Wait() { g.wg.Wait() }

func (g *Gate) Busy() bool       { return g.busy.Load() }
func (g *Gate) Dropped() int64   { return g.dropped.Load() }
func (g *Gate) Delivered() int64 { return g.delivered.Load() }
func (g *Gate) Failed() int64    { return g.failed.Load() }
