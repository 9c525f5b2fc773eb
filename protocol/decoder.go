package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxFrameSize bounds a single pending object. Uploads are capped at
// 10 MiB before base64, so this leaves room for the encoding overhead.
const DefaultMaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Policy selects what the decoder discards when a balanced region fails to parse.
type Policy int

const (
	// DropRegion discards only the malformed region and keeps scanning.
	DropRegion Policy = iota
	// DropBuffer discards everything buffered, including objects that
	// follow the malformed region in the same read.
	DropBuffer
)

// Decoder splits a byte stream of back-to-back JSON objects into frames.
// Objects are delimited by brace balance alone: braces inside string
// literals are ignored and a backslash inside a string escapes the byte
// after it. The output is the same however the input is fragmented.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	pos int // next byte to scan
	// start is the offset of the '{' that opened the pending object.
	start    int
	depth    int
	inString bool
	escaped  bool

	policy  Policy
	maxSize int
	frames  []json.RawMessage
	dropped int
	onDrop  func(region []byte)
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// ParsePolicy maps "region" and "buffer" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "region":
		return DropRegion, nil
	case "buffer":
		return DropBuffer, nil
	}
	return DropRegion, fmt.Errorf("unknown decoder policy %q", s)
}

// WithPolicy sets the failure policy. The default is DropRegion.
func WithPolicy(p Policy) DecoderOption {
	return func(d *Decoder) { d.policy = p }
}

// WithMaxFrameSize sets the ceiling for a single pending object.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithDropHook registers a callback invoked with every discarded region.
// The slice is only valid for the duration of the call.
func WithDropHook(fn func(region []byte)) DecoderOption {
	return func(d *Decoder) { d.onDrop = fn }
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{maxSize: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Write appends p to the buffer and extracts every object it completes.
// It never fails on malformed input; the only error is ErrFrameTooLarge,
// after which the pending object has been discarded and decoding can go on.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), d.scan()
}

// Next pops the oldest complete frame.
func (d *Decoder) Next() (json.RawMessage, bool) {
	if len(d.frames) == 0 {
		return nil, false
	}
	f := d.frames[0]
	d.frames[0] = nil
	d.frames = d.frames[1:]
	return f, true
}

// Decode is Write followed by draining every complete frame.
func (d *Decoder) Decode(p []byte) ([]json.RawMessage, error) {
	_, err := d.Write(p)
	out := d.frames
	d.frames = nil
	return out, err
}

// Buffered reports how many bytes are held waiting for more input.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Dropped reports how many regions have been discarded so far.
func (d *Decoder) Dropped() int { return d.dropped }

// Reset forgets all buffered input and pending frames.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.frames = nil
	d.resetState()
}

func (d *Decoder) resetState() {
	d.pos = 0
	d.start = 0
	d.depth = 0
	d.inString = false
	d.escaped = false
}

func (d *Decoder) scan() error {
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]
		if d.depth == 0 {
			// Bytes between objects are noise.
			if c == '{' {
				d.start = d.pos
				d.depth = 1
			}
			d.pos++
			continue
		}

		switch {
		case d.escaped:
			d.escaped = false
		case d.inString:
			if c == '\\' {
				d.escaped = true
			} else if c == '"' {
				d.inString = false
			}
		case c == '"':
			d.inString = true
		case c == '{':
			d.depth++
		case c == '}':
			d.depth--
		}
		d.pos++

		if d.depth == 0 {
			if !d.complete(d.buf[d.start:d.pos]) {
				return nil
			}
		}
	}
	return d.compact()
}

// complete handles a balanced region. It returns false when the whole
// buffer was discarded and scanning must stop.
func (d *Decoder) complete(region []byte) bool {
	if json.Valid(region) {
		frame := make(json.RawMessage, len(region))
		copy(frame, region)
		d.frames = append(d.frames, frame)
		return true
	}

	d.dropped++
	if d.policy == DropBuffer {
		if d.onDrop != nil {
			d.onDrop(d.buf)
		}
		d.buf = d.buf[:0]
		d.resetState()
		return false
	}
	if d.onDrop != nil {
		d.onDrop(region)
	}
	return true
}

func (d *Decoder) compact() error {
	if d.depth == 0 {
		// Everything scanned was either emitted or noise.
		if cap(d.buf) > 64<<10 {
			d.buf = nil
		} else {
			d.buf = d.buf[:0]
		}
		d.pos = 0
		d.start = 0
		return nil
	}

	if d.start > 0 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.pos -= d.start
		d.start = 0
	}

	if len(d.buf) > d.maxSize {
		d.dropped++
		if d.onDrop != nil {
			d.onDrop(d.buf)
		}
		d.buf = d.buf[:0]
		d.resetState()
		return ErrFrameTooLarge
	}
	return nil
}
