package wire

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	dataPrefix    = "data: "
	doneMarker    = "[DONE]"
	commentPrefix = ":"

	scannerInitialBuffer = 12 * 1024
	scannerMaxBuffer     = 1024 * 1024
)

// Decoder turns the raw bytes of a send-stream response into an ordered,
// finite sequence of typed events.
//
// The transport delivers opaque fragments that do not align with event
// boundaries; the decoder buffers until a full line is available, skips blank
// and comment lines, and stops at the end-of-stream sentinel. Malformed
// payloads are dropped without aborting the stream; they are counted and
// visible via Dropped.
type Decoder struct {
	r       io.ReadCloser
	scanner *bufio.Scanner

	mu       sync.Mutex
	dropped  int
	finished bool
	closed   bool
}

// NewDecoder wraps the streamed response body. The caller owns the decoder
// and must Close it on every exit path, including early cancellation.
func NewDecoder(r io.ReadCloser) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	return &Decoder{r: r, scanner: scanner}
}

// Next returns the next event in arrival order. It returns io.EOF once the
// stream terminated: sentinel line, done event, error event, or transport
// close, whichever came first.
func (d *Decoder) Next() (Event, error) {
	if d == nil {
		return nil, io.EOF
	}
	d.mu.Lock()
	finished := d.finished || d.closed
	d.mu.Unlock()
	if finished {
		return nil, io.EOF
	}

	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}
		payload, ok := strings.CutPrefix(line, dataPrefix)
		if !ok {
			d.drop("line without event prefix", nil)
			continue
		}
		if payload == doneMarker {
			d.finish()
			return nil, io.EOF
		}
		ev, err := ParseEvent([]byte(payload))
		if err != nil {
			d.drop("malformed event payload", err)
			continue
		}
		switch ev.(type) {
		case *DoneEvent, *ErrorEvent:
			d.finish()
		}
		return ev, nil
	}

	d.finish()
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Dropped reports how many malformed or unrecognized lines were discarded.
func (d *Decoder) Dropped() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close releases the underlying reader. Safe to call more than once.
func (d *Decoder) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.finished = true
	d.mu.Unlock()
	return d.r.Close()
}

func (d *Decoder) finish() {
	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
}

func (d *Decoder) drop(reason string, err error) {
	d.mu.Lock()
	d.dropped++
	n := d.dropped
	d.mu.Unlock()
	log.Warn().Err(err).Str("component", "wire").Int("dropped", n).Msg("decoder: " + reason)
}
