// Package icap implements ICAP REQMOD adaptation: send a preview of the
// body, then either stream the remainder (100 Continue), pass the original
// body through unmodified (204 No Content), or splice in the server's
// modified message (200/206 OK). Every request is sent as REQMOD; there is
// no RESPMOD request.
package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"
)

// Outcome tells the caller what to do with the body after an ICAP round
// trip.
type Outcome int

const (
	OutcomeUseOriginal  Outcome = iota // 204 No Content
	OutcomeUseModified                 // 200/206 OK: the modified body is returned as bytes; Conn is nil
	OutcomeStreamRemainder             // 100 Continue: caller streams remaining body bidirectionally
)

// ServerErrorResponse classifies a non-success ICAP response.
type ServerErrorResponse struct {
	Code         int
	ReasonPhrase string
}

func (e *ServerErrorResponse) Error() string {
	return fmt.Sprintf("icap: server error %d %s", e.Code, e.ReasonPhrase)
}

// Client is a minimal ICAP client for the REQMOD preview protocol; it
// does not pool connections (the caller decides
// whether to reuse the TCP connection across requests).
type Client struct {
	addr        string
	previewSize int
	dialTimeout time.Duration
}

func NewClient(addr string, previewSize int, dialTimeout time.Duration) *Client {
	if previewSize <= 0 {
		previewSize = 4096
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Client{addr: addr, previewSize: previewSize, dialTimeout: dialTimeout}
}

// Adapt sends service+headers+a preview of body to the ICAP server and
// returns the negotiated Outcome. When OutcomeUseModified, the modified
// message bytes are returned as modified. When OutcomeStreamRemainder, the
// caller must read the rest of body and write it to conn, then read the
// final response itself (not handled here, since framing from that point
// on is the caller's chunked-transcoding concern).
func (c *Client) Adapt(service string, headers textproto.MIMEHeader, body io.Reader) (outcome Outcome, modified []byte, conn net.Conn, err error) {
	conn, err = net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("icap: dial failed: %w", err)
	}

	preview := make([]byte, c.previewSize)
	n, rerr := io.ReadFull(body, preview)
	eof := rerr == io.EOF || rerr == io.ErrUnexpectedEOF
	preview = preview[:n]

	var req bytes.Buffer
	fmt.Fprintf(&req, "REQMOD icap://%s/%s ICAP/1.0\r\n", c.addr, service)
	fmt.Fprintf(&req, "Host: %s\r\n", c.addr)
	for k, vs := range headers {
		for _, v := range vs {
			fmt.Fprintf(&req, "%s: %s\r\n", k, v)
		}
	}
	if !eof {
		fmt.Fprintf(&req, "Preview: %d\r\n", len(preview))
	}
	req.WriteString("\r\n")
	if len(preview) > 0 {
		fmt.Fprintf(&req, "%x\r\n", len(preview))
		req.Write(preview)
		req.WriteString("\r\n")
	}
	if eof {
		req.WriteString("0; ieof\r\n\r\n")
	} else {
		req.WriteString("0\r\n\r\n")
	}

	if _, err := conn.Write(req.Bytes()); err != nil {
		_ = conn.Close()
		return 0, nil, nil, fmt.Errorf("icap: request write failed: %w", err)
	}

	r := bufio.NewReader(conn)
	tp := textproto.NewReader(r)
	statusLine, err := tp.ReadLine()
	if err != nil {
		_ = conn.Close()
		return 0, nil, nil, fmt.Errorf("icap: status line read failed: %w", err)
	}
	code, reason, err := parseStatusLine(statusLine)
	if err != nil {
		_ = conn.Close()
		return 0, nil, nil, err
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		_ = conn.Close()
		return 0, nil, nil, fmt.Errorf("icap: response headers read failed: %w", err)
	}

	switch code {
	case 100:
		return OutcomeStreamRemainder, nil, conn, nil
	case 204:
		_ = conn.Close()
		return OutcomeUseOriginal, nil, nil, nil
	case 200, 206:
		modifiedBody, rerr := io.ReadAll(r)
		_ = conn.Close()
		if rerr != nil {
			return 0, nil, nil, fmt.Errorf("icap: modified body read failed: %w", rerr)
		}
		return OutcomeUseModified, modifiedBody, nil, nil
	default:
		_ = conn.Close()
		return 0, nil, nil, &ServerErrorResponse{Code: code, ReasonPhrase: reason}
	}
}

func parseStatusLine(line string) (code int, reason string, err error) {
	var proto string
	n, err := fmt.Sscanf(line, "%s %d", &proto, &code)
	if err != nil || n != 2 {
		return 0, "", fmt.Errorf("icap: malformed status line %q", line)
	}
	if i := indexNthSpace(line, 2); i >= 0 {
		reason = line[i+1:]
	}
	return code, reason, nil
}

func indexNthSpace(s string, n int) int {
	count := 0
	for i, c := range s {
		if c == ' ' {
			count++
			if count == n {
				return i
			}
		}
	}
	return -1
}
