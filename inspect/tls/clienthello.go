// Package tls implements TLS client-hello interception: record-layer
// reassembly of a (possibly fragmented) ClientHello, extraction of SNI and
// ALPN, per-protocol inspect-action filtering of the ALPN offer list, and
// MITM splicing driven by a certificate agent.
//
// Parsing is hand-rolled against RFC 8446 §4.1.2/§4.2 wire layout: no
// library in the dependency set exposes raw pre-handshake ClientHello
// bytes (crypto/tls only surfaces a parsed hello from inside its own
// handshake state machine, too late for a MITM decision point), so this is
// one of the few places the core relies on the standard library alone —
// recorded as such rather than wired to a third-party parser.
package tls

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// RawVersion is the two-byte legacy_version field of a ClientHello.
type RawVersion uint16

const (
	VersionTLS10 RawVersion = 0x0301
	VersionTLS11 RawVersion = 0x0302
	VersionTLS12 RawVersion = 0x0303
	VersionTLS13 RawVersion = 0x0304
	VersionTLCP  RawVersion = 0x0101 // GB/T 38636 TLCP hello version marker
)

// ParsedClientHello is the subset of a ClientHello the interception engine
// acts on.
type ParsedClientHello struct {
	Version RawVersion
	SNI     string
	ALPN    []string
}

const (
	extServerName uint16 = 0x0000
	extALPN       uint16 = 0x0010

	recordTypeHandshake   byte = 22
	handshakeTypeClientHi byte = 1
)

var (
	ErrNeedMoreData        = errors.New("tls clienthello: need more data")
	ErrInvalidClientHello   = errors.New("tls clienthello: invalid request")
	ErrFragmentedTooLarge   = errors.New("tls clienthello: fragmented beyond max size")
	ErrClientHandshakeTimeo = errors.New("tls clienthello: client handshake timeout")
)

// ReadClientHello accumulates TLS records from r until a complete
// ClientHello handshake message has been reassembled, honoring a read
// timeout and a maximum coalesced size (guards against a peer trickling an
// unbounded fragmented hello to exhaust memory).
func ReadClientHello(ctx context.Context, r *bufio.Reader, timeout time.Duration, maxSize int) (ParsedClientHello, error) {
	type result struct {
		ch  ParsedClientHello
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := readClientHello(r, maxSize)
		done <- result{ch: ch, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.ch, res.err
	case <-timer.C:
		return ParsedClientHello{}, ErrClientHandshakeTimeo
	case <-ctx.Done():
		return ParsedClientHello{}, ctx.Err()
	}
}

func readClientHello(r *bufio.Reader, maxSize int) (ParsedClientHello, error) {
	var handshake []byte

	for {
		hdr := make([]byte, 5)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return ParsedClientHello{}, fmt.Errorf("%w: record header: %v", ErrInvalidClientHello, err)
		}
		if hdr[0] != recordTypeHandshake {
			return ParsedClientHello{}, fmt.Errorf("%w: not a handshake record (type 0x%02x)", ErrInvalidClientHello, hdr[0])
		}
		length := int(binary.BigEndian.Uint16(hdr[3:5]))
		if length <= 0 || length > 1<<16 {
			return ParsedClientHello{}, fmt.Errorf("%w: bad record length", ErrInvalidClientHello)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return ParsedClientHello{}, fmt.Errorf("%w: record payload: %v", ErrInvalidClientHello, err)
		}

		handshake = append(handshake, payload...)
		if maxSize > 0 && len(handshake) > maxSize {
			return ParsedClientHello{}, ErrFragmentedTooLarge
		}

		if len(handshake) < 4 {
			continue // handshake header itself split across records
		}
		hsLen := int(handshake[1])<<16 | int(handshake[2])<<8 | int(handshake[3])
		if len(handshake) < 4+hsLen {
			continue // handshake body still fragmented across records
		}
		if handshake[0] != handshakeTypeClientHi {
			return ParsedClientHello{}, fmt.Errorf("%w: first handshake message is not ClientHello (type %d)", ErrInvalidClientHello, handshake[0])
		}
		return parseClientHelloBody(handshake[4 : 4+hsLen])
	}
}

func parseClientHelloBody(b []byte) (ParsedClientHello, error) {
	if len(b) < 2+32+1 {
		return ParsedClientHello{}, fmt.Errorf("%w: body too short", ErrInvalidClientHello)
	}
	version := RawVersion(binary.BigEndian.Uint16(b[0:2]))
	pos := 2 + 32 // legacy_version + random

	sessIDLen := int(b[pos])
	pos++
	pos += sessIDLen
	if pos+2 > len(b) {
		return ParsedClientHello{}, fmt.Errorf("%w: truncated after session id", ErrInvalidClientHello)
	}

	cipherLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2 + cipherLen
	if pos+1 > len(b) {
		return ParsedClientHello{}, fmt.Errorf("%w: truncated after cipher suites", ErrInvalidClientHello)
	}

	compLen := int(b[pos])
	pos++
	pos += compLen
	if pos+2 > len(b) {
		// No extensions block present; version-only hello.
		return ParsedClientHello{Version: version}, nil
	}

	extTotalLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if pos+extTotalLen > len(b) {
		return ParsedClientHello{}, fmt.Errorf("%w: truncated extensions block", ErrInvalidClientHello)
	}
	extBlock := b[pos : pos+extTotalLen]

	hello := ParsedClientHello{Version: version}
	for len(extBlock) >= 4 {
		extType := binary.BigEndian.Uint16(extBlock[0:2])
		extLen := int(binary.BigEndian.Uint16(extBlock[2:4]))
		if 4+extLen > len(extBlock) {
			return ParsedClientHello{}, fmt.Errorf("%w: truncated extension", ErrInvalidClientHello)
		}
		data := extBlock[4 : 4+extLen]

		switch extType {
		case extServerName:
			if sni, ok := parseSNI(data); ok {
				hello.SNI = sni
			}
		case extALPN:
			hello.ALPN = parseALPN(data)
		}

		extBlock = extBlock[4+extLen:]
	}

	return hello, nil
}

func parseSNI(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	body := data[2:]
	if listLen > len(body) {
		return "", false
	}
	body = body[:listLen]
	for len(body) >= 3 {
		nameType := body[0]
		nameLen := int(binary.BigEndian.Uint16(body[1:3]))
		if 3+nameLen > len(body) {
			return "", false
		}
		name := body[3 : 3+nameLen]
		if nameType == 0 { // host_name
			return string(name), true
		}
		body = body[3+nameLen:]
	}
	return "", false
}

func parseALPN(data []byte) []string {
	if len(data) < 2 {
		return nil
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	body := data[2:]
	if listLen > len(body) {
		listLen = len(body)
	}
	body = body[:listLen]

	var out []string
	for len(body) >= 1 {
		n := int(body[0])
		if 1+n > len(body) {
			break
		}
		out = append(out, string(body[1:1+n]))
		body = body[1+n:]
	}
	return out
}
