package imap

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapabilityRelaysAndCompletesOnOK(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	cltIn := bytes.NewBufferString("a1 CAPABILITY\r\n")
	upsIn := bytes.NewBufferString("* CAPABILITY IMAP4rev1\r\na1 OK CAPABILITY completed\r\n")

	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, false)
	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusClientClose, status) // no LOGOUT sent, EOF on client drains to close
	require.Contains(t, upsOut.String(), "a1 CAPABILITY")
	require.Contains(t, cltOut.String(), "CAPABILITY completed")
}

func TestLogoutEndsInitiation(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	cltIn := bytes.NewBufferString("a2 LOGOUT\r\n")
	upsIn := bytes.NewBufferString("")

	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, false)
	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusClientClose, status)
	require.Contains(t, upsOut.String(), "LOGOUT")
}

func TestStartTlsRejectedWhenAlreadyFromStartTls(t *testing.T) {
	var cltOut, upsOut bytes.Buffer
	cltIn := bytes.NewBufferString("a3 STARTTLS\r\n")
	upsIn := bytes.NewBufferString("")

	s := NewSession(cltIn, &cltOut, upsIn, &upsOut, true)
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, cltOut.String(), "BAD")
	require.NotContains(t, upsOut.String(), "STARTTLS")
}

func TestParseCommandExtractsLiteralSize(t *testing.T) {
	cmd, err := parseCommand("a4 LOGIN {5}")
	require.NoError(t, err)
	require.True(t, cmd.HasLiteral)
	require.Equal(t, 5, cmd.LiteralSize)
	require.True(t, cmd.LiteralWait)

	cmd2, err := parseCommand("a5 LOGIN {5+}")
	require.NoError(t, err)
	require.False(t, cmd2.LiteralWait)
}
