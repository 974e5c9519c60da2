// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package waterfall

import (
	"fmt"
	"time"

	"github.com/luxfi/mediation/pkg/auction"
)

// Source is one demand partner in a waterfall. Lower priority values run
// first. Timeout bounds each attempt against this source.
type Source struct {
	ID       string        `json:"id"`
	Priority int           `json:"priority"`
	Timeout  time.Duration `json:"timeout"`
}

// Status is the final state of one source in the attempt trail
type Status int

const (
	StatusSuccess Status = iota
	StatusNoFill
	StatusFailed
	StatusTimedOut
	StatusSkipped
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoFill:
		return "no_fill"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func statusOf(o auction.Outcome) Status {
	switch o.Kind {
	case auction.KindSuccess:
		return StatusSuccess
	case auction.KindNoFill:
		return StatusNoFill
	case auction.KindTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}

// Attempt is one entry of the diagnostic trail
type Attempt struct {
	SourceID string        `json:"source_id"`
	Priority int           `json:"priority"`
	Duration time.Duration `json:"duration"`
	Status   Status        `json:"status"`
	Reason   string        `json:"reason"`
}

// Result is what a waterfall run produced. Trail holds one entry per source
// that was reached, in priority order.
type Result struct {
	Outcome auction.Outcome `json:"-"`
	Trail   []Attempt       `json:"trail"`
}

// Fill returns the winning fill, if any
func (r Result) Fill() (auction.Fill, bool) {
	if r.Outcome.Kind != auction.KindSuccess || r.Outcome.Fill == nil {
		return auction.Fill{}, false
	}
	return *r.Outcome.Fill, true
}
