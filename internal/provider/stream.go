// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// MaxChunkSize is the maximum allowed size for a single SSE chunk (64KB).
const MaxChunkSize = 64 * 1024

// =============================================================================
// STREAM CHUNK
// =============================================================================

// streamChunk is one parsed SSE payload from the streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// content returns the delta content of the first choice.
func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// done reports whether the stream has finished.
func (c *streamChunk) done() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event's data payload.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxChunkSize {
				return nil, io.ErrShortBuffer
			}
			dataLines = append(dataLines, data)
		}
		// Other fields (event:, id:, retry:, comments) are ignored.
	}
}

// =============================================================================
// STREAM PROCESSING
// =============================================================================

// processStream reads the SSE stream, invoking onDelta for each content
// fragment, until [DONE], a finish reason, or stream end.
func processStream(ctx context.Context, body io.Reader, onDelta func(string)) error {
	reader := NewSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks rather than aborting the stream.
			continue
		}

		if content := chunk.content(); content != "" {
			onDelta(content)
		}

		if chunk.done() {
			return nil
		}
	}
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

// Accumulator collects streamed fragments into the final assembled text.
// It is the single synchronization point between progressive display and the
// rest of the pipeline, which only depends on the assembled result.
type Accumulator struct {
	content       strings.Builder
	fragmentCount int
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add appends a fragment.
func (a *Accumulator) Add(fragment string) {
	if fragment == "" {
		return
	}
	a.fragmentCount++
	a.content.WriteString(fragment)
}

// Text returns the accumulated content.
func (a *Accumulator) Text() string {
	return a.content.String()
}

// FragmentCount returns how many non-empty fragments arrived.
func (a *Accumulator) FragmentCount() int {
	return a.fragmentCount
}
