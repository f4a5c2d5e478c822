// Package stream implements the delimiter-framed wire format used to deliver
// pipeline events: each event is serialized as JSON and followed by
// Delimiter.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
)

// Delimiter separates events on the wire.
const Delimiter = "|||FALKORDB_MESSAGE_BOUNDARY|||"

// ContentType is the media type of an encoded event stream.
const ContentType = "application/json"

const readChunkSize = 32 << 10

var escapedPipe = []byte(`\u007c`)

type flusher interface {
	Flush()
}

type errFlusher interface {
	Flush() error
}

// Encoder writes events to an underlying writer.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event followed by the delimiter and flushes the writer
// when it supports flushing. Every '|' of the JSON is written as the escape
// \u007c, so the delimiter never occurs inside a segment.
func (e *Encoder) Encode(ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = bytes.ReplaceAll(data, []byte("|"), escapedPipe)
	data = append(data, Delimiter...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	switch f := e.w.(type) {
	case errFlusher:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush event: %w", err)
		}
	case flusher:
		f.Flush()
	}
	return nil
}

// Segment is one delimited unit of a stream. Event is set when the segment
// holds a valid event; otherwise Text carries the raw segment.
type Segment struct {
	Event *pipeline.Event
	Text  string
}

// Decoder reads segments from a stream, buffering partial input until a
// delimiter or the end of the stream is reached. Segments are not size
// limited.
type Decoder struct {
	r       *bufio.Reader
	buf     []byte
	scanned int // Bytes of buf already searched for a delimiter
	eof     bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, readChunkSize)}
}

// Next returns the next non-blank segment. It returns io.EOF once the stream
// is exhausted; a non-empty remainder without a trailing delimiter is
// returned as the final segment.
func (d *Decoder) Next() (Segment, error) {
	for {
		raw, ok, err := d.nextRaw()
		if err != nil {
			return Segment{}, err
		}
		if !ok {
			return Segment{}, io.EOF
		}
		if raw = bytes.TrimSpace(raw); len(raw) > 0 {
			return decodeSegment(raw), nil
		}
	}
}

// nextRaw returns the bytes up to the next delimiter, or the remainder once
// the stream ends. It reports false when nothing is left.
func (d *Decoder) nextRaw() ([]byte, bool, error) {
	for {
		if i := bytes.Index(d.buf[d.scanned:], []byte(Delimiter)); i >= 0 {
			end := d.scanned + i
			raw := d.buf[:end]
			d.buf = d.buf[end+len(Delimiter):]
			d.scanned = 0
			if len(d.buf) == 0 {
				d.buf = nil
			}
			return raw, true, nil
		}
		if d.eof {
			if len(d.buf) == 0 {
				return nil, false, nil
			}
			raw := d.buf
			d.buf = nil
			return raw, true, nil
		}
		// A delimiter may straddle the next read.
		d.scanned = max(0, len(d.buf)-len(Delimiter)+1)
		if err := d.fill(); err != nil {
			return nil, false, err
		}
	}
}

func (d *Decoder) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := d.r.Read(chunk)
	d.buf = append(d.buf, chunk[:n]...)
	if errors.Is(err, io.EOF) {
		d.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

func decodeSegment(raw []byte) Segment {
	var ev pipeline.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
		return Segment{Text: string(raw)}
	}
	return Segment{Event: &ev}
}
