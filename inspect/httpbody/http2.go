package httpbody

import (
	"fmt"
	"io"

	"golang.org/x/net/http2"
)

// FrameKind is the subset of HTTP/2 frame types the interception engine
// distinguishes when it decides whether a body can be adapted (ICAP, audit
// tap) or must pass through as opaque multiplexed traffic.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameHeaders
	FrameOther
)

// FrameEvent is one observed HTTP/2 frame, enough for the audit tap to log
// "stream 5 DATA 812 bytes" without decoding HPACK header blocks.
type FrameEvent struct {
	Kind     FrameKind
	StreamID uint32
	Length   int
	EndOfStream bool
}

// Http2Sniffer reads raw HTTP/2 frames off an already-upgraded connection
// (after the h2c/ALPN handshake) and reports each frame boundary, so the
// interception engine can apply per-stream adaptation instead of treating an
// HTTP/2 connection as one opaque byte stream the way TcpSetup's default
// relay does.
type Http2Sniffer struct {
	fr *http2.Framer
}

// NewHttp2Sniffer wraps r as an HTTP/2 frame source. w is required by
// http2.Framer's constructor even though this sniffer never writes frames
// back; callers pass io.Discard.
func NewHttp2Sniffer(r io.Reader, w io.Writer) *Http2Sniffer {
	return &Http2Sniffer{fr: http2.NewFramer(w, r)}
}

// Next blocks for the next frame and classifies it. It returns io.EOF when
// the underlying reader is exhausted.
func (s *Http2Sniffer) Next() (FrameEvent, error) {
	f, err := s.fr.ReadFrame()
	if err != nil {
		return FrameEvent{}, err
	}

	ev := FrameEvent{StreamID: f.Header().StreamID, Length: int(f.Header().Length)}
	switch fr := f.(type) {
	case *http2.DataFrame:
		ev.Kind = FrameData
		ev.EndOfStream = fr.StreamEnded()
	case *http2.HeadersFrame:
		ev.Kind = FrameHeaders
		ev.EndOfStream = fr.StreamEnded()
	default:
		ev.Kind = FrameOther
	}
	return ev, nil
}

// String renders a FrameEvent the way the audit tap logs it.
func (e FrameEvent) String() string {
	kind := "OTHER"
	switch e.Kind {
	case FrameData:
		kind = "DATA"
	case FrameHeaders:
		kind = "HEADERS"
	}
	return fmt.Sprintf("stream %d %s %d bytes end=%v", e.StreamID, kind, e.Length, e.EndOfStream)
}
