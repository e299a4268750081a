/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package xerr implements the Tier 1 protocol-agnostic error taxonomy.
//
// Every Error carries a Code identifying the failure class and, optionally,
// a parent error chain reachable through Unwrap so that callers can use the
// standard errors.Is / errors.As machinery. Tier 2 (client-visible refusal)
// translation lives in the per-surface To*() functions in this package.
package xerr

import (
	"errors"
	"fmt"
)

// Code enumerates the Tier 1 error kinds
type Code uint16

const (
	Unknown Code = iota
	InternalServerError
	InternalAdapterError
	InternalResolverError
	UpstreamNotResolved
	InvalidClientProtocol
	InvalidUpstreamProtocol
	ClientTCPReadFailed
	ClientTCPWriteFailed
	UpstreamTCPReadFailed
	UpstreamTCPWriteFailed
	ClientUDPRecvFailed
	ClientUDPSendFailed
	UpstreamNotConnected
	UpstreamNotAvailable
	UpstreamNotNegotiated
	UpstreamTLSHandshakeTimeout
	UpstreamTLSHandshakeFailed
	UpstreamAppUnavailable
	UpstreamAppTimeout
	UpstreamAppError
	ForbiddenByRule
	ClosedByUpstream
	ClosedByClient
	ClosedEarlyByClient
	CanceledUserBlocked
	CanceledServerQuit
	Idle
	InterceptionError
	InvalidResponseAfterContinue
)

var names = map[Code]string{
	Unknown:                       "unknown",
	InternalServerError:           "internal server error",
	InternalAdapterError:          "internal adapter error",
	InternalResolverError:         "internal resolver error",
	UpstreamNotResolved:           "upstream not resolved",
	InvalidClientProtocol:         "invalid client protocol",
	InvalidUpstreamProtocol:       "invalid upstream protocol",
	ClientTCPReadFailed:           "client tcp read failed",
	ClientTCPWriteFailed:          "client tcp write failed",
	UpstreamTCPReadFailed:         "upstream tcp read failed",
	UpstreamTCPWriteFailed:        "upstream tcp write failed",
	ClientUDPRecvFailed:           "client udp recv failed",
	ClientUDPSendFailed:           "client udp send failed",
	UpstreamNotConnected:          "upstream not connected",
	UpstreamNotAvailable:          "upstream not available",
	UpstreamNotNegotiated:         "upstream not negotiated",
	UpstreamTLSHandshakeTimeout:   "upstream tls handshake timeout",
	UpstreamTLSHandshakeFailed:    "upstream tls handshake failed",
	UpstreamAppUnavailable:        "upstream app unavailable",
	UpstreamAppTimeout:            "upstream app timeout",
	UpstreamAppError:              "upstream app error",
	ForbiddenByRule:               "forbidden by rule",
	ClosedByUpstream:              "closed by upstream",
	ClosedByClient:                "closed by client",
	ClosedEarlyByClient:           "closed early by client",
	CanceledUserBlocked:           "canceled: user blocked",
	CanceledServerQuit:            "canceled: server quit",
	Idle:                          "idle timeout",
	InterceptionError:             "interception error",
	InvalidResponseAfterContinue:  "invalid response after continue",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}

// RuleKind enumerates ForbiddenByRule sub-reasons.
type RuleKind string

const (
	RuleMethodUnavailable RuleKind = "method_unavailable"
	RuleClientIPBlocked   RuleKind = "client_ip_blocked"
	RuleRateLimited       RuleKind = "rate_limited"
	RuleProtoBanned       RuleKind = "proto_banned"
	RuleDestDenied        RuleKind = "dest_denied"
	RuleIPBlocked         RuleKind = "ip_blocked"
	RuleFullyLoaded       RuleKind = "fully_loaded"
	RuleUABlocked         RuleKind = "ua_blocked"
	RuleUserBlocked       RuleKind = "user_blocked"
)

// Error is the Tier 1 error type. It is comparable by Code via errors.Is,
// and unwraps to the underlying cause (I/O error, parse error, ...).
type Error struct {
	Code    Code
	Reason  string
	Rule    RuleKind
	Proto   string
	parent  error
}

func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func Wrap(code Code, reason string, parent error) *Error {
	return &Error{Code: code, Reason: reason, parent: parent}
}

func Forbidden(rule RuleKind, reason string) *Error {
	return &Error{Code: ForbiddenByRule, Rule: rule, Reason: reason}
}

func Interception(proto string, parent error) *Error {
	return &Error{Code: InterceptionError, Proto: proto, parent: parent}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Rule != "" {
		msg = fmt.Sprintf("%s(%s)", msg, e.Rule)
	}
	if e.Proto != "" {
		msg = fmt.Sprintf("%s[%s]", msg, e.Proto)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.parent != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.parent)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.parent
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && (t.Rule == "" || t.Rule == e.Rule)
	}
	return false
}

// Idle timeout helper carrying the duration/count from
type IdleError struct {
	Duration string
	Count    int
}

func (e *IdleError) Error() string {
	return fmt.Sprintf("idle(%s, count=%d)", e.Duration, e.Count)
}

func (e *IdleError) Code() Code { return Idle }
