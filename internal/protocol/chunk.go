package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frames splits payload into the frames of one response. A payload up to
// chunkSize bytes travels as-is in a single frame; a larger one is cut into
// base64-encoded slices, every frame but the last marked More.
func Frames(id int64, payload json.RawMessage, chunkSize int) []Response {
	if chunkSize <= 0 || len(payload) <= chunkSize {
		return []Response{{ID: id, Data: payload}}
	}
	n := (len(payload) + chunkSize - 1) / chunkSize
	frames := make([]Response, 0, n)
	for start := 0; start < len(payload); start += chunkSize {
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		data, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload[start:end]))
		frames = append(frames, Response{ID: id, Data: data, More: end < len(payload)})
	}
	return frames
}

// Assembler rebuilds payloads from frames produced by Frames.
type Assembler struct {
	parts   map[int64][]byte
	chunked map[int64]bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		parts:   make(map[int64][]byte),
		chunked: make(map[int64]bool),
	}
}

// Add consumes one frame. It returns the complete payload and true when r is
// the final frame of its response.
func (a *Assembler) Add(r Response) (json.RawMessage, bool, error) {
	if !r.More && !a.chunked[r.ID] {
		return r.Data, true, nil
	}
	var s string
	if err := json.Unmarshal(r.Data, &s); err != nil {
		a.Reset(r.ID)
		return nil, true, fmt.Errorf("frame %d: chunk is not a string: %w", r.ID, err)
	}
	chunk, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		a.Reset(r.ID)
		return nil, true, fmt.Errorf("frame %d: %w", r.ID, err)
	}
	a.parts[r.ID] = append(a.parts[r.ID], chunk...)
	if r.More {
		a.chunked[r.ID] = true
		return nil, false, nil
	}
	payload := a.parts[r.ID]
	a.Reset(r.ID)
	return payload, true, nil
}

// Reset forgets any partial payload for id.
func (a *Assembler) Reset(id int64) {
	delete(a.parts, id)
	delete(a.chunked, id)
}
