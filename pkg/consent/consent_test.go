// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_GDPRWithoutTCF(t *testing.T) {
	s := New(WithGDPRApplies(true))

	fields := s.Fields()
	require.Equal(t, "1", fields["gdpr_applies"])
	_, present := fields["gdpr_consent"]
	require.False(t, present)
}

func TestFields_AllSet(t *testing.T) {
	s := New(
		WithGDPRApplies(false),
		WithTCFString("CPXxRfAPXxRfAAfKABENB-CgAAAAAAAAAAYgAAAAAAAA"),
		WithUSPrivacy("1YNN"),
		WithCOPPA(true),
		WithLimitAdTracking(false),
		WithPrivacySandbox(true),
	)

	assert.Equal(t, map[string]string{
		"gdpr_applies":      "0",
		"gdpr_consent":      "CPXxRfAPXxRfAAfKABENB-CgAAAAAAAAAAYgAAAAAAAA",
		"us_privacy":        "1YNN",
		"coppa":             "1",
		"limit_ad_tracking": "0",
	}, s.Fields())

	v, ok := s.PrivacySandbox()
	require.True(t, ok)
	require.True(t, v)
}

func TestFields_Empty(t *testing.T) {
	require.Empty(t, New().Fields())
	_, ok := New().COPPA()
	require.False(t, ok)
}
