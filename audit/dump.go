package audit

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nabbar/edgeproxy/inspect/httpbody"
)

// FileDump is a Sink that writes a timestamped, direction-tagged frame
// header before every slice, so a captured dump can be split back into a
// per-direction byte stream during export/review.
type FileDump struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFileDump(w io.Writer) *FileDump {
	return &FileDump{w: w}
}

func (d *FileDump) Write(direction Direction, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tag := "C->U"
	if direction == UpstreamToClient {
		tag = "U->C"
	}
	fmt.Fprintf(d.w, "[%s %s %d]\n", time.Now().UTC().Format(time.RFC3339Nano), tag, len(p))
	_, _ = d.w.Write(p)
	_, _ = d.w.Write([]byte("\n"))
}

// ChunkedDump writes each direction to its own underlying writer, framed
// via inspect/httpbody.WriteChunkFrame, so a dump can be replayed directly
// as two independent HTTP/1 chunked bodies (one per direction).
type ChunkedDump struct {
	mu                   sync.Mutex
	clientToUpstream     io.Writer
	upstreamToClient     io.Writer
}

func NewChunkedDump(clientToUpstream, upstreamToClient io.Writer) *ChunkedDump {
	return &ChunkedDump{clientToUpstream: clientToUpstream, upstreamToClient: upstreamToClient}
}

func (d *ChunkedDump) Write(direction Direction, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.upstreamToClient
	if direction == ClientToUpstream {
		w = d.clientToUpstream
	}
	_ = httpbody.WriteChunkFrame(w, p)
}

// Close writes the terminating zero-length chunk to both directions.
func (d *ChunkedDump) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = httpbody.WriteChunkFrame(d.clientToUpstream, nil)
	_ = httpbody.WriteChunkFrame(d.upstreamToClient, nil)
	return nil
}
