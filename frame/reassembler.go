// Package frame turns chunked binary broker messages into whole JPEG frames.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "frame",
})

const (
	markerStart  = "START"
	markerEnd    = "END"
	maxMarkerLen = 10

	DefaultTimeout = 3 * time.Second

	// minimum sizes for a markerless single-message frame
	MinLiveSize    = 100
	MinPreviewSize = 1000
)

var ErrInvalidSignature = errors.New("invalid jpeg signature")

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

type Stream uint8

const (
	StreamLive Stream = iota
	StreamPreview
)

func (s Stream) String() string {
	if s == StreamPreview {
		return "preview"
	}
	return "live"
}

type Options struct {
	// Timeout is the longest gap between two chunks of the same frame.
	Timeout time.Duration
	// MinRawSize is the smallest payload accepted as a markerless frame.
	MinRawSize int
	Now        func() time.Time
}

// Reassembler is the buffer of a single stream. Instances never share state.
type Reassembler struct {
	stream Stream
	opts   Options

	mu        sync.Mutex
	buf       bytes.Buffer
	receiving bool
	lastChunk time.Time

	abandoned atomic.Int64
	rejected  atomic.Int64
}

func NewReassembler(stream Stream, opts Options) *Reassembler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinRawSize <= 0 {
		opts.MinRawSize = MinLiveSize
		if stream == StreamPreview {
			opts.MinRawSize = MinPreviewSize
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reassembler{stream: stream, opts: opts}
}

// Push feeds one message. It returns the frame once one is complete, nil
// while accumulating, and an error for a completed payload that is not a
// JPEG.
func (r *Reassembler) Push(payload []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	if r.receiving && now.Sub(r.lastChunk) > r.opts.Timeout {
		log.Warn("abandoning stalled frame", "stream", r.stream, "buffered", r.buf.Len(), "since", r.lastChunk)
		r.abandoned.Add(1)
		r.reset()
	}

	if len(payload) <= maxMarkerLen {
		switch string(payload) {
		case markerStart:
			r.reset()
			r.receiving = true
			r.lastChunk = now
			return nil, nil
		case markerEnd:
			if !r.receiving {
				log.Debug("end marker outside of a frame", "stream", r.stream)
				return nil, nil
			}
			data := bytes.Clone(r.buf.Bytes())
			r.reset()
			return r.check(data, true)
		}
	}

	if r.receiving {
		r.buf.Write(payload)
		r.lastChunk = now
		return nil, nil
	}

	if len(payload) > r.opts.MinRawSize && bytes.HasPrefix(payload, soi) {
		return r.check(bytes.Clone(payload), false)
	}
	if bytes.HasPrefix(payload, soi) {
		log.Debug("markerless payload too small", "stream", r.stream, "size", len(payload))
		return nil, nil
	}
	r.rejected.Add(1)
	log.Warn("dropping chunk outside of a frame", "stream", r.stream, "size", len(payload))
	return nil, fmt.Errorf("%s: %w", r.stream, ErrInvalidSignature)
}

func (r *Reassembler) check(data []byte, marked bool) ([]byte, error) {
	if err := Validate(data, marked); err != nil {
		r.rejected.Add(1)
		log.Warn("discarding frame", "stream", r.stream, "size", len(data), "err", err)
		return nil, fmt.Errorf("%s: %w", r.stream, err)
	}
	return data, nil
}

func (r *Reassembler) reset() {
	r.buf.Reset()
	r.receiving = false
	r.lastChunk = time.Time{}
}

// Reset drops any partial frame.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receiving && r.buf.Len() > 0 {
		r.abandoned.Add(1)
	}
	r.reset()
}

func (r *Reassembler) Receiving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receiving
}

// Abandoned counts partial frames dropped on timeout or reset.
func (r *Reassembler) Abandoned() int64 { return r.abandoned.Load() }

// Rejected counts payloads that failed the signature check.
func (r *Reassembler) Rejected() int64 { return r.rejected.Load() }

// Validate checks the JPEG start marker and, when requireEnd is set, the end
// marker.
func Validate(data []byte, requireEnd bool) error {
	if len(data) < len(soi)+len(eoi) {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(data))
	}
	if !bytes.HasPrefix(data, soi) {
		return fmt.Errorf("%w: starts with % x", ErrInvalidSignature, data[:2])
	}
	if requireEnd && !bytes.HasSuffix(data, eoi) {
		return fmt.Errorf("%w: ends with % x", ErrInvalidSignature, data[len(data)-2:])
	}
	return nil
}
