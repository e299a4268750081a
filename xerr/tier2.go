/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 */

package xerr

// ToHTTPStatus implements the Tier 2 HTTP refusal mapping
func ToHTTPStatus(e *Error) (status int, connClose bool) {
	if e == nil {
		return 200, false
	}
	switch e.Code {
	case InvalidClientProtocol, InvalidUpstreamProtocol:
		return 400, true
	case ForbiddenByRule:
		return 403, true
	case UpstreamNotResolved, UpstreamNotConnected, UpstreamNotAvailable,
		UpstreamTLSHandshakeFailed, UpstreamAppUnavailable, UpstreamAppError:
		return 502, true
	case UpstreamTLSHandshakeTimeout, UpstreamAppTimeout, Idle:
		return 504, true
	default:
		return 500, true
	}
}

// ToSocksReply implements the Tier 2 SOCKS4a/5 numeric reply mapping.
// Reply codes follow RFC 1928 §6 (SOCKS5); SOCKS4a callers map the 0x00..0x08
// subset onto the legacy 90/91 codes at the negotiation layer.
func ToSocksReply(e *Error) byte {
	if e == nil {
		return 0x00
	}
	switch e.Code {
	case ForbiddenByRule:
		return 0x02 // connection not allowed by ruleset
	case UpstreamNotResolved:
		return 0x04 // host unreachable
	case UpstreamNotConnected, UpstreamNotAvailable:
		return 0x05 // connection refused
	case InvalidClientProtocol, InvalidUpstreamProtocol:
		return 0x07 // command not supported
	default:
		return 0x01 // general SOCKS server failure
	}
}

// ToSMTPReply implements the Tier 2 SMTP refusal mapping.
func ToSMTPReply(e *Error) (code int, line string) {
	if e == nil {
		return 250, "OK"
	}
	switch e.Code {
	case UpstreamNotAvailable, UpstreamNotConnected:
		return 421, "Service not available, closing transmission channel"
	case ForbiddenByRule:
		return 550, "Requested action not taken: policy violation"
	case Idle:
		return 421, "Idle timeout, closing connection"
	default:
		return 554, "Transaction failed"
	}
}

// ToIMAPReply implements the Tier 2 IMAP refusal mapping: IMAP has no
// numeric code, only a tagged status word; interception failures terminate
// with BYE.
func ToIMAPReply(e *Error) string {
	if e == nil {
		return "OK"
	}
	return "BYE"
}
