package services

import (
	"encoding/json"
	"io"
	"iter"

	"github.com/tmaxmax/go-sse"
)

// StreamEvent is one decoded frame of the backend's chat stream. Chunk carries a text
// fragment to append to the turn's answer; IsComplete marks the terminal frame.
type StreamEvent struct {
	Chunk      string `json:"chunk"`
	IsComplete bool   `json:"is_complete"`
}

// DecodeStream converts the SSE body of a /chat/stream response into discrete
// StreamEvents. Each data payload is expected to be a JSON object with optional
// "chunk" and "is_complete" fields; payloads that fail to parse are skipped rather
// than aborting the stream, since the backend interleaves heartbeat noise with real
// frames. The iterator ends after an explicit completion event, and a stream that
// ends without one is still treated as complete by yielding a final synthetic
// completion, so a truncated response never leaves the caller waiting.
func DecodeStream(r io.Reader) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(StreamEvent{}, err)
				return
			}

			var frame StreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				continue
			}

			if frame.Chunk == "" && !frame.IsComplete {
				continue
			}
			if !yield(frame, nil) {
				return
			}
			if frame.IsComplete {
				return
			}
		}

		yield(StreamEvent{IsComplete: true}, nil)
	}
}
