// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auction

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"

	"github.com/luxfi/mediation/pkg/consent"
)

// Format is the ad format of a placement
type Format string

const (
	FormatInterstitial Format = "interstitial"
	FormatRewarded     Format = "rewarded"
	FormatBanner       Format = "banner"
)

var ErrUnknownFormat = errors.New("unknown ad format")

// ParseFormat parses a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatInterstitial, FormatRewarded, FormatBanner:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Request is a single placement request. It is immutable once built; use
// the With* methods to derive modified copies.
type Request struct {
	id          string
	appID       string
	placementID string
	format      Format
	floor       decimal.Decimal
	consent     consent.Snapshot
	timeout     time.Duration
	metadata    map[string]string
	device      *openrtb2.Device
	sources     []string
	target      string
}

// RequestOption configures a Request under construction
type RequestOption func(*Request)

// NewRequest builds a request with a fresh request id
func NewRequest(placementID string, format Format, opts ...RequestOption) Request {
	r := Request{
		id:          uuid.NewString(),
		placementID: placementID,
		format:      format,
		floor:       decimal.Zero,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func WithRequestID(id string) RequestOption {
	return func(r *Request) { r.id = id }
}

func WithAppID(appID string) RequestOption {
	return func(r *Request) { r.appID = appID }
}

// WithFloor sets the floor price as a CPM
func WithFloor(cpm decimal.Decimal) RequestOption {
	return func(r *Request) { r.floor = cpm }
}

func WithConsent(s consent.Snapshot) RequestOption {
	return func(r *Request) { r.consent = s }
}

func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.timeout = d }
}

// WithMetadata copies md into the request
func WithMetadata(md map[string]string) RequestOption {
	return func(r *Request) { r.metadata = maps.Clone(md) }
}

// WithDevice copies device into the request
func WithDevice(device openrtb2.Device) RequestOption {
	return func(r *Request) { r.device = &device }
}

// WithSources sets the candidate source list sent with every attempt
func WithSources(ids []string) RequestOption {
	return func(r *Request) { r.sources = slices.Clone(ids) }
}

func (r Request) ID() string                { return r.id }
func (r Request) AppID() string             { return r.appID }
func (r Request) PlacementID() string       { return r.placementID }
func (r Request) Format() Format            { return r.format }
func (r Request) Floor() decimal.Decimal    { return r.floor }
func (r Request) Consent() consent.Snapshot { return r.consent }
func (r Request) Timeout() time.Duration    { return r.timeout }
func (r Request) Sources() []string         { return slices.Clone(r.sources) }

// Target is the source this request is addressed to, empty when unaddressed
func (r Request) Target() string { return r.target }

// Metadata returns a copy of the request metadata
func (r Request) Metadata() map[string]string { return maps.Clone(r.metadata) }

// Device returns a copy of the device metadata
func (r Request) Device() (openrtb2.Device, bool) {
	if r.device == nil {
		return openrtb2.Device{}, false
	}
	return *r.device, true
}

// ForSource returns a copy of r addressed to a single source
func (r Request) ForSource(sourceID string) Request {
	c := r
	c.target = sourceID
	return c
}

// Fill is a won ad returned by a source
type Fill struct {
	SourceID     string
	PriceMicros  int64
	Currency     string
	TTL          time.Duration
	CreativeRef  string
	TrackingURLs []string
}

// CPM returns the price in currency units per mille
func (f Fill) CPM() decimal.Decimal {
	return decimal.New(f.PriceMicros, -6)
}

// MicrosFromCPM converts a CPM to integer micros
func MicrosFromCPM(cpm decimal.Decimal) int64 {
	return cpm.Shift(6).Round(0).IntPart()
}

// Kind tags an Outcome
type Kind int

const (
	KindSuccess Kind = iota
	KindNoFill
	KindError
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNoFill:
		return "no_fill"
	case KindError:
		return "error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is the result of one auction attempt. Fill is set only for
// KindSuccess; Err is set for KindError and KindTimeout.
type Outcome struct {
	Kind   Kind
	Fill   *Fill
	Err    error
	Reason string
}

// Success wraps a fill
func Success(f Fill) Outcome {
	return Outcome{Kind: KindSuccess, Fill: &f, Reason: ReasonSuccess}
}

// NoFill reports that the source had nothing to return
func NoFill(reason string) Outcome {
	if reason == "" {
		reason = ReasonNoFill
	}
	return Outcome{Kind: KindNoFill, Err: ErrNoFill, Reason: reason}
}

// Failed reports an error outcome
func Failed(err error) Outcome {
	return Outcome{Kind: KindError, Err: err, Reason: Reason(err)}
}

// TimedOut reports a deadline expiry
func TimedOut() Outcome {
	return Outcome{Kind: KindTimeout, Err: ErrTimeout, Reason: ReasonTimeout}
}

// Exhausted is the synthesized no-fill returned when every source was
// skipped or failed.
func Exhausted() Outcome {
	return Outcome{Kind: KindNoFill, Err: ErrExhausted, Reason: ReasonExhausted}
}

// Retryable reports whether the outcome is a transport failure, a timeout
// or a server error.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case KindTimeout:
		return true
	case KindError:
		return errors.Is(o.Err, ErrNetwork) || errors.Is(o.Err, ErrServer)
	}
	return false
}

// Failure reports whether the outcome counts against a source's health.
// A no-fill is a healthy answer.
func (o Outcome) Failure() bool {
	return o.Kind == KindError || o.Kind == KindTimeout
}
