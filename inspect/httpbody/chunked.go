// Package httpbody re-encodes an upstream HTTP/1 body into chunked transfer
// encoding regardless of how the origin body was framed (fixed
// Content-Length, read-until-close, or already chunked), so the
// interception engine always hands the task layer one uniform body shape to
// relay or adapt via ICAP.
package httpbody

import (
	"bufio"
	"fmt"
	"io"
)

// Framing describes how the source body is delimited.
type Framing int

const (
	FramingContentLength Framing = iota
	FramingReadUntilEnd
	FramingChunked
)

// Transcoder re-encodes a framed body as chunked transfer-encoding.
type Transcoder struct {
	framing       Framing
	contentLength int64
	chunkSize     int
}

// NewTranscoder builds a Transcoder for a body in the given framing;
// contentLength is used only by the fixed Content-Length framing, where
// contentLength == 0 emits the empty-body terminator immediately.
func NewTranscoder(framing Framing, contentLength int64) *Transcoder {
	return &Transcoder{framing: framing, contentLength: contentLength, chunkSize: 32 * 1024}
}

// Resume continues a transcode after an ICAP preview already consumed
// previewLen bytes, adjusting the first chunk's advertised size to the
// remaining count.
func (t *Transcoder) Resume(previewLen int64) {
	if t.framing == FramingContentLength {
		t.contentLength -= previewLen
		if t.contentLength < 0 {
			t.contentLength = 0
		}
	}
}

// Encode reads src per the configured framing and writes a chunked-encoded
// stream to dst.
func (t *Transcoder) Encode(dst io.Writer, src io.Reader) error {
	switch t.framing {
	case FramingContentLength:
		return t.encodeContentLength(dst, src)
	case FramingReadUntilEnd:
		return t.encodeReadUntilEnd(dst, src)
	case FramingChunked:
		return t.encodeAlreadyChunked(dst, src)
	default:
		return fmt.Errorf("httpbody: unknown framing %d", t.framing)
	}
}

func (t *Transcoder) encodeContentLength(dst io.Writer, src io.Reader) error {
	if t.contentLength == 0 {
		_, err := io.WriteString(dst, "0\r\n\r\n")
		return err
	}
	if _, err := fmt.Fprintf(dst, "%x\r\n", t.contentLength); err != nil {
		return err
	}
	if _, err := io.CopyN(dst, src, t.contentLength); err != nil {
		return fmt.Errorf("httpbody: short body: %w", err)
	}
	_, err := io.WriteString(dst, "\r\n0\r\n\r\n")
	return err
}

// WriteChunkFrame writes one chunk-size-line/body/CRLF frame for p, the
// framing a live byte stream (e.g. an audit dump sink) can reuse to emit
// one chunk per write without knowing the total body length up front. An
// empty p writes the terminating "0\r\n\r\n" chunk.
func WriteChunkFrame(dst io.Writer, p []byte) error {
	if len(p) == 0 {
		_, err := io.WriteString(dst, "0\r\n\r\n")
		return err
	}
	if _, err := fmt.Fprintf(dst, "%x\r\n", len(p)); err != nil {
		return err
	}
	if _, err := dst.Write(p); err != nil {
		return err
	}
	_, err := io.WriteString(dst, "\r\n")
	return err
}

// encodeReadUntilEnd streams src until EOF, chunk by chunk, with no
// trailer section (the origin never declared a trailer).
func (t *Transcoder) encodeReadUntilEnd(dst io.Writer, src io.Reader) error {
	buf := make([]byte, t.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := WriteChunkFrame(dst, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return WriteChunkFrame(dst, nil)
		}
		if err != nil {
			return fmt.Errorf("httpbody: read-until-end failed: %w", err)
		}
	}
}

// encodeAlreadyChunked performs a bounded byte-copy that preserves the
// source's own chunk framing verbatim (used when the origin already sent
// chunked and no re-framing is actually needed, only relay).
func (t *Transcoder) encodeAlreadyChunked(dst io.Writer, src io.Reader) error {
	r := bufio.NewReader(src)
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("httpbody: chunk size line: %w", err)
		}
		if _, werr := io.WriteString(dst, sizeLine); werr != nil {
			return werr
		}

		var size int64
		if _, err := fmt.Sscanf(sizeLine, "%x", &size); err != nil {
			return fmt.Errorf("httpbody: invalid chunk size line %q: %w", sizeLine, err)
		}
		if size == 0 {
			// Trailer section, possibly empty, terminated by a blank line.
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return fmt.Errorf("httpbody: trailer: %w", err)
				}
				if _, werr := io.WriteString(dst, line); werr != nil {
					return werr
				}
				if line == "\r\n" || line == "\n" {
					return nil
				}
			}
		}

		if _, err := io.CopyN(dst, r, size); err != nil {
			return fmt.Errorf("httpbody: chunk body: %w", err)
		}
		trailer := make([]byte, 2)
		if _, err := io.ReadFull(r, trailer); err != nil {
			return fmt.Errorf("httpbody: chunk trailer CRLF: %w", err)
		}
		if _, werr := dst.Write(trailer); werr != nil {
			return werr
		}
	}
}
