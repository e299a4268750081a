package tls

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal, syntactically valid ClientHello
// record carrying the given SNI and ALPN offer list.
func buildClientHello(t *testing.T, sni string, alpn []string) []byte {
	t.Helper()

	var ext bytes.Buffer
	if sni != "" {
		var sniList bytes.Buffer
		sniList.WriteByte(0) // host_name
		nameLen := make([]byte, 2)
		binary.BigEndian.PutUint16(nameLen, uint16(len(sni)))
		sniList.Write(nameLen)
		sniList.WriteString(sni)

		listLen := make([]byte, 2)
		binary.BigEndian.PutUint16(listLen, uint16(sniList.Len()))

		ext.Write(u16(0x0000))
		ext.Write(u16(uint16(2 + sniList.Len())))
		ext.Write(listLen)
		ext.Write(sniList.Bytes())
	}
	if len(alpn) > 0 {
		var list bytes.Buffer
		for _, p := range alpn {
			list.WriteByte(byte(len(p)))
			list.WriteString(p)
		}
		ext.Write(u16(0x0010))
		ext.Write(u16(uint16(2 + list.Len())))
		ext.Write(u16(uint16(list.Len())))
		ext.Write(list.Bytes())
	}

	var body bytes.Buffer
	body.Write(u16(uint16(VersionTLS12)))
	body.Write(make([]byte, 32)) // random
	body.WriteByte(0)            // session id len
	body.Write(u16(2))           // cipher suites len
	body.Write(u16(0x1301))
	body.WriteByte(1) // compression methods len
	body.WriteByte(0)
	body.Write(u16(uint16(ext.Len())))
	body.Write(ext.Bytes())

	var handshake bytes.Buffer
	handshake.WriteByte(handshakeTypeClientHi)
	hsLen := body.Len()
	handshake.WriteByte(byte(hsLen >> 16))
	handshake.WriteByte(byte(hsLen >> 8))
	handshake.WriteByte(byte(hsLen))
	handshake.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(recordTypeHandshake)
	record.Write(u16(uint16(VersionTLS10)))
	record.Write(u16(uint16(handshake.Len())))
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func TestReadClientHelloExtractsSNIAndALPN(t *testing.T) {
	raw := buildClientHello(t, "example.com", []string{"h2", "http/1.1"})
	r := bufio.NewReader(bytes.NewReader(raw))

	hello, err := ReadClientHello(context.Background(), r, time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, "example.com", hello.SNI)
	require.Equal(t, []string{"h2", "http/1.1"}, hello.ALPN)
	require.Equal(t, VersionTLS12, hello.Version)
}

func TestReadClientHelloRejectsNonHandshakeRecord(t *testing.T) {
	raw := []byte{0x17, 0x03, 0x03, 0x00, 0x01, 0xff} // application_data record
	r := bufio.NewReader(bytes.NewReader(raw))

	_, err := ReadClientHello(context.Background(), r, time.Second, 0)
	require.Error(t, err)
}

func TestFilterALPNDropsBlockedProtocols(t *testing.T) {
	policy := Policy{"h2": ActionBlock, "http/1.1": ActionIntercept}
	filtered := policy.FilterALPN([]string{"h2", "http/1.1", "spdy/1"})
	require.Equal(t, []string{"http/1.1", "spdy/1"}, filtered)
}
