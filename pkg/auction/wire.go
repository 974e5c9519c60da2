// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
)

// MaxFillTTL caps the server-supplied ttl_seconds before conversion. The
// cache applies its own tighter ceiling.
const MaxFillTTL = 24 * time.Hour

// RequestBody is the JSON body POSTed for every auction attempt
type RequestBody struct {
	RequestID   string            `json:"request_id"`
	AppID       string            `json:"app_id"`
	PlacementID string            `json:"placement_id"`
	AdFormat    string            `json:"ad_format"`
	Source      string            `json:"source,omitempty"`
	Sources     []string          `json:"sources,omitempty"`
	Device      *openrtb2.Device  `json:"device,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	GDPRApplies     *string `json:"gdpr_applies,omitempty"`
	GDPRConsent     *string `json:"gdpr_consent,omitempty"`
	USPrivacy       *string `json:"us_privacy,omitempty"`
	COPPA           *string `json:"coppa,omitempty"`
	LimitAdTracking *string `json:"limit_ad_tracking,omitempty"`

	FloorPrice  string `json:"floor_price"`
	FloorMicros int64  `json:"floor_micros"`
	TimeoutMS   int64  `json:"timeout_ms"`
}

// Price is a price in micros of a currency
type Price struct {
	Micros   *int64  `json:"micros"`
	Currency *string `json:"currency"`
}

// ResponseBody is the 200 response envelope
type ResponseBody struct {
	SourceID     *string  `json:"source_id"`
	Price        *Price   `json:"price"`
	CreativeRef  *string  `json:"creative_ref"`
	TrackingURLs []string `json:"tracking_urls,omitempty"`
	TTLSeconds   *int64   `json:"ttl_seconds"`
}

// NewRequestBody builds the wire body for req
func NewRequestBody(req Request, appID string, timeout time.Duration) RequestBody {
	if req.AppID() != "" {
		appID = req.AppID()
	}
	body := RequestBody{
		RequestID:   req.ID(),
		AppID:       appID,
		PlacementID: req.PlacementID(),
		AdFormat:    string(req.Format()),
		Source:      req.Target(),
		Sources:     req.Sources(),
		Metadata:    req.Metadata(),
		FloorPrice:  req.Floor().String(),
		FloorMicros: MicrosFromCPM(req.Floor()),
		TimeoutMS:   timeout.Milliseconds(),
	}
	if d, ok := req.Device(); ok {
		body.Device = &d
	}

	fields := req.Consent().Fields()
	pick := func(key string) *string {
		if v, ok := fields[key]; ok {
			return &v
		}
		return nil
	}
	body.GDPRApplies = pick("gdpr_applies")
	body.GDPRConsent = pick("gdpr_consent")
	body.USPrivacy = pick("us_privacy")
	body.COPPA = pick("coppa")
	body.LimitAdTracking = pick("limit_ad_tracking")
	return body
}

// NewResponseBody builds the wire envelope for f
func NewResponseBody(f Fill) ResponseBody {
	ttl := int64(f.TTL / time.Second)
	return ResponseBody{
		SourceID:     &f.SourceID,
		Price:        &Price{Micros: &f.PriceMicros, Currency: &f.Currency},
		CreativeRef:  &f.CreativeRef,
		TrackingURLs: f.TrackingURLs,
		TTLSeconds:   &ttl,
	}
}

// decodeFill parses a 200 body. Missing or invalid required fields are an
// error; nothing is defaulted.
func decodeFill(data []byte) (Fill, error) {
	var body ResponseBody
	if err := json.Unmarshal(data, &body); err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch {
	case body.SourceID == nil || *body.SourceID == "":
		return Fill{}, fmt.Errorf("%w: missing source_id", ErrMalformedResponse)
	case body.Price == nil || body.Price.Micros == nil:
		return Fill{}, fmt.Errorf("%w: missing price.micros", ErrMalformedResponse)
	case *body.Price.Micros < 0:
		return Fill{}, fmt.Errorf("%w: negative price", ErrMalformedResponse)
	case body.Price.Currency == nil || *body.Price.Currency == "":
		return Fill{}, fmt.Errorf("%w: missing price.currency", ErrMalformedResponse)
	case body.CreativeRef == nil || *body.CreativeRef == "":
		return Fill{}, fmt.Errorf("%w: missing creative_ref", ErrMalformedResponse)
	case body.TTLSeconds == nil:
		return Fill{}, fmt.Errorf("%w: missing ttl_seconds", ErrMalformedResponse)
	case *body.TTLSeconds < 0:
		return Fill{}, fmt.Errorf("%w: negative ttl_seconds", ErrMalformedResponse)
	}

	ttl := MaxFillTTL
	if secs := *body.TTLSeconds; secs < int64(MaxFillTTL/time.Second) {
		ttl = time.Duration(secs) * time.Second
	}

	return Fill{
		SourceID:     *body.SourceID,
		PriceMicros:  *body.Price.Micros,
		Currency:     *body.Price.Currency,
		TTL:          ttl,
		CreativeRef:  *body.CreativeRef,
		TrackingURLs: body.TrackingURLs,
	}, nil
}
