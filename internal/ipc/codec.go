package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Encoder writes one JSON record per line. Each Send is a single write under
// a mutex, so concurrent senders (the call and its ping loop) never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send frames payload under code and writes it.
func (e *Encoder) Send(code Code, payload any) error {
	msg := Message{Code: code}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", code, err)
		}
		msg.Payload = raw
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", code, err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", code, err)
	}
	if f, ok := e.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", code, err)
		}
	}
	return nil
}

// Decoder reads framed records. Lines that are not a complete record are
// dropped; a trailing partial line at end of stream is dropped too.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	skipped int
}

func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReader(r), logger: logger}
}

// Skipped returns how many malformed lines have been discarded.
func (d *Decoder) Skipped() int { return d.skipped }

// Next returns the next well formed message, or io.EOF once the stream ends.
func (d *Decoder) Next() (*Message, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err == nil {
			if msg, ok := parseRecord(line); ok {
				return msg, nil
			}
			d.skipped++
			d.logger.Debug("skipping malformed ipc record", "bytes", len(line))
			continue
		}
		if len(line) > 0 {
			d.skipped++
			d.logger.Debug("discarding partial ipc record", "bytes", len(line))
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read ipc record: %w", err)
	}
}

func parseRecord(line []byte) (*Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil, false
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil || msg.Code == "" {
		return nil, false
	}
	return &msg, true
}
