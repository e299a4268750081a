package smtp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGreetingRelaysBanner(t *testing.T) {
	var cltOut bytes.Buffer
	upsIn := bytes.NewBufferString("220 mail.example.com ESMTP\r\n")

	s := NewSession(bytes.NewReader(nil), &cltOut, upsIn, &bytes.Buffer{}, ExtensionPolicy{}, time.Second)
	err := s.greeting(context.Background())
	require.NoError(t, err)
	require.Equal(t, "220 mail.example.com ESMTP\r\n", cltOut.String())
}

func TestGreetingFailsOn421(t *testing.T) {
	var cltOut bytes.Buffer
	upsIn := bytes.NewBufferString("421 service not available\r\n")

	s := NewSession(bytes.NewReader(nil), &cltOut, upsIn, &bytes.Buffer{}, ExtensionPolicy{}, time.Second)
	err := s.greeting(context.Background())
	require.Error(t, err)
}

func TestInitiationFiltersDisabledExtensions(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	cltIn := bytes.NewBufferString("EHLO client.example.com\r\n")
	upsIn := bytes.NewBufferString("250-mail.example.com\r\n250-CHUNKING\r\n250 STARTTLS\r\n")

	policy := ExtensionPolicy{ChunkedNext: false, StartTLS: true}
	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, policy, time.Second)

	err := s.initiation(context.Background())
	require.NoError(t, err)
	require.Equal(t, "client.example.com", s.clientHost)
	require.Equal(t, "EHLO client.example.com\r\n", upsOut.String())
	require.NotContains(t, cltOut.String(), "CHUNKING")
	require.Contains(t, cltOut.String(), "STARTTLS")
}

func TestForwardOnceStartTlsTransition(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	cltIn := bytes.NewBufferString("STARTTLS\r\n")
	upsIn := bytes.NewBufferString("220 Ready to start TLS\r\n")

	policy := ExtensionPolicy{StartTLS: true}
	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, policy, time.Second)

	action, err := s.forwardOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionStartTLS, action)
}

func TestTransactionRelaysDotStuffedBody(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	cltIn := bytes.NewBufferString("MAIL FROM:<a@example.com>\r\nRCPT TO:<b@example.com>\r\nDATA\r\nSubject: hi\r\n.\r\n")
	upsIn := bytes.NewBufferString("250 OK\r\n250 OK\r\n354 Start mail input\r\n250 Queued\r\n")

	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, ExtensionPolicy{}, time.Second)
	err := s.forwardAndTransact(t)
	require.NoError(t, err)
	require.Equal(t, 1, s.transactionCount)
}

func TestTransactionSynthesizesCRLFBeforeTerminator(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	// The body's last content arrives glued to the dot-terminator with no
	// CRLF of its own, followed immediately by connection close.
	cltIn := bytes.NewBufferString("MAIL FROM:<a@example.com>\r\nRCPT TO:<b@example.com>\r\nDATA\r\nBody.")
	upsIn := bytes.NewBufferString("250 OK\r\n250 OK\r\n354 Start mail input\r\n250 Queued\r\n")

	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, ExtensionPolicy{}, time.Second)
	err := s.forwardAndTransact(t)
	require.NoError(t, err)
	require.Equal(t, 1, s.transactionCount)
	require.Contains(t, upsOut.String(), "Body\r\n.\r\n")
}

// forwardAndTransact exercises forwardOnce into MAIL then Transaction, the
// shape Run drives internally, without requiring a full Run() (which would
// also need a greeting/initiation phase).
func (s *Session) forwardAndTransact(t *testing.T) error {
	t.Helper()
	action, err := s.forwardOnce(context.Background())
	if err != nil {
		return err
	}
	require.Equal(t, ActionMailTransport, action)
	return s.transaction(context.Background())
}
