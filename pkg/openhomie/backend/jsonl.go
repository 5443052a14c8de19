package backend

import (
	"bytes"
	"encoding/json"
)

// LineDecoder incrementally splits a byte stream into newline-delimited JSON
// values. Lines that fail to parse are skipped, which drops CLI progress
// noise and ANSI sequences without stalling the stream.
type LineDecoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete JSON line parsed so far.
func (d *LineDecoder) Feed(chunk []byte) []json.RawMessage {
	d.buf.Write(chunk)
	var out []json.RawMessage
	for {
		data := d.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, data[:i])
		d.buf.Next(i + 1)
		if raw := parseJSONLine(line); raw != nil {
			out = append(out, raw)
		}
	}
	return out
}

// Flush parses any trailing unterminated line at stream close.
func (d *LineDecoder) Flush() []json.RawMessage {
	line := d.buf.Bytes()
	d.buf.Reset()
	if raw := parseJSONLine(line); raw != nil {
		return []json.RawMessage{raw}
	}
	return nil
}

func parseJSONLine(line []byte) json.RawMessage {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !json.Valid(line) {
		return nil
	}
	out := make(json.RawMessage, len(line))
	copy(out, line)
	return out
}
