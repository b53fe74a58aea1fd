package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Request bodies are encoded into pooled buffers. Every worker sends requests
// of a similar size, so reusing buffers keeps the encoder from allocating a
// fresh one per call. Buffers that grew past maxPooledBuffer, usually because
// of an unusually long prompt, are left to the GC so the pool does not pin
// memory for the rest of the run.
const maxPooledBuffer = 16 * 1024

var requestBuffers = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// encodeRequest writes req as JSON into a pooled buffer. HTML escaping is
// off so prompts reach the provider byte for byte. The caller must hand the
// buffer to releaseBuffer once the request has completed.
func encodeRequest(req ChatCompletionRequest) (*bytes.Buffer, error) {
	buf := requestBuffers.Get().(*bytes.Buffer)
	buf.Reset()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		releaseBuffer(buf)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return buf, nil
}

func releaseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	requestBuffers.Put(buf)
}
