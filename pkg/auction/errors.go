// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auction

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoFill             = errors.New("no fill")
	ErrTimeout            = errors.New("timeout")
	ErrNetwork            = errors.New("network error")
	ErrInvalidPlacement   = errors.New("invalid placement")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limited")
	ErrServer             = errors.New("server error")
	ErrUnexpectedStatus   = errors.New("unexpected status")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrCancelled          = errors.New("attempt cancelled")
	ErrExhausted          = errors.New("all sources exhausted")
	ErrNotInitialized     = errors.New("not initialized")
	ErrKillSwitchActive   = errors.New("kill_switch_active")
	ErrPlacementDisabled  = errors.New("placement_disabled")
)

// Normalized no-bid reasons used in logs, metric labels and attempt trails.
const (
	ReasonSuccess      = "success"
	ReasonNoFill       = "no_fill"
	ReasonTimeout      = "timeout"
	ReasonNetworkError = "network_error"
	ReasonStatusPrefix = "status_"
	ReasonCircuitOpen  = "circuit_open"
	ReasonBelowFloor   = "below_floor"
	ReasonKillSwitch   = "kill_switch_active"
	ReasonMalformed    = "malformed_response"
	ReasonCancelled    = "cancelled"
	ReasonError        = "error"
	ReasonExhausted    = "all sources exhausted"
	ReasonDisabled     = "placement_disabled"
)

// StatusError reports that the auction server rejected the request.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// statusError maps an HTTP status to the fixed taxonomy.
func statusError(code int) error {
	var err error
	switch {
	case code == 400 || code == 404:
		err = ErrInvalidPlacement
	case code == 401 || code == 403:
		err = ErrInvalidCredentials
	case code == 429:
		err = ErrRateLimited
	case code >= 500 && code <= 599:
		err = ErrServer
	default:
		err = ErrUnexpectedStatus
	}
	return &StatusError{Code: code, Err: err}
}

// Reason maps err to a normalized no-bid reason.
func Reason(err error) string {
	if err == nil {
		return ReasonSuccess
	}

	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("%s%d", ReasonStatusPrefix, se.Code)
	}

	switch {
	case errors.Is(err, ErrNoFill):
		return ReasonNoFill
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrKillSwitchActive):
		return ReasonKillSwitch
	case errors.Is(err, ErrPlacementDisabled):
		return ReasonDisabled
	case errors.Is(err, ErrExhausted):
		return ReasonExhausted
	case errors.Is(err, ErrMalformedResponse):
		return ReasonMalformed
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrNetwork):
		return ReasonNetworkError
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetworkError
	}
	return ReasonError
}
