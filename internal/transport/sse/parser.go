package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

const parserInitialBuffer = 64 * 1024

// message is one dispatched server-sent event.
type message struct {
	Event string
	Data  string
	ID    string
}

// parser reads the text/event-stream wire format.
type parser struct {
	scanner *bufio.Scanner

	lastID string
	retry  time.Duration
}

func newParser(r io.Reader, maxLine int) *parser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	scanner := bufio.NewScanner(r)
	initial := parserInitialBuffer
	if maxLine < initial {
		initial = maxLine
	}
	scanner.Buffer(make([]byte, initial), maxLine)
	return &parser{scanner: scanner}
}

// Next returns the next dispatched message. It returns io.EOF when the
// stream ends; a trailing event without a blank line is discarded.
func (p *parser) Next() (message, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
	)

	for p.scanner.Scan() {
		line := p.scanner.Text()

		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			return message{
				Event: event,
				Data:  strings.TrimSuffix(data.String(), "\n"),
				ID:    p.lastID,
			}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				p.lastID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				p.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := p.scanner.Err(); err != nil {
		return message{}, err
	}
	return message{}, io.EOF
}

// Retry returns the latest server reconnect hint, zero if none was sent.
func (p *parser) Retry() time.Duration { return p.retry }

// LastID returns the last event id seen.
func (p *parser) LastID() string { return p.lastID }
