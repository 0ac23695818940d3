// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream turns the boundary's server-sent-event byte stream into
// discrete text deltas and manages the single cancellable run that
// produces them.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"strings"
)

// =============================================================================
// SSE DECODER
// =============================================================================

// doneSentinel is the payload that signals graceful end of stream. It is
// consumed, never parsed as JSON.
const doneSentinel = "[DONE]"

// deltaChunk mirrors the event payload shape; only the incremental text
// field is extracted.
type deltaChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder consumes an SSE byte stream and yields text deltas one pull at
// a time. It consumes the underlying reader exactly once and is not
// restartable. Partial lines are buffered across read boundaries, so the
// decoder yields identical deltas no matter how the transport splits the
// bytes.
type Decoder struct {
	reader *bufio.Reader
	done   bool
}

// NewDecoder creates a decoder over an SSE response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		reader: bufio.NewReader(r),
	}
}

// Next returns the next text delta, or io.EOF when the stream has ended.
// Blank lines and non-data lines are skipped; a malformed data payload is
// logged and skipped without aborting the stream. On end of input any
// buffered partial line is flushed: a parseable non-sentinel data line is
// emitted as the final delta, anything else is discarded.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			d.done = true
			if err == io.EOF {
				// A network read may end mid-line; the remainder is
				// still a complete event if the server closed after it.
				if delta, ok := d.decodeLine(line); ok {
					return delta, nil
				}
				return "", io.EOF
			}
			return "", err
		}

		if delta, ok := d.decodeLine(line); ok {
			return delta, nil
		}
		if d.done {
			return "", io.EOF
		}
	}
}

// decodeLine processes one line and reports whether it produced a delta.
// Sets d.done when the termination sentinel is seen.
func (d *Decoder) decodeLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}

	payload, isData := strings.CutPrefix(trimmed, "data:")
	if !isData {
		// id:, event:, retry: and comment lines carry no delta text.
		return "", false
	}
	payload = strings.TrimSpace(payload)

	if payload == doneSentinel {
		d.done = true
		return "", false
	}

	var chunk deltaChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// One corrupt chunk must not abort the stream.
		log.Printf("STREAM: skipping malformed event payload: %v", err)
		return "", false
	}

	if len(chunk.Choices) == 0 {
		return "", false
	}
	content := chunk.Choices[0].Delta.Content
	if content == "" {
		return "", false
	}
	return content, true
}
