// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consent

// Snapshot is an immutable view of the user's privacy signals. Every field is
// optional; an unset field is omitted from outbound requests rather than
// defaulted.
type Snapshot struct {
	gdprApplies     *bool
	tcfString       *string
	usPrivacy       *string
	coppa           *bool
	limitAdTracking *bool
	privacySandbox  *bool
}

// Option sets one field of a Snapshot under construction.
type Option func(*Snapshot)

// New builds a Snapshot.
func New(opts ...Option) Snapshot {
	var s Snapshot
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithGDPRApplies sets whether GDPR applies.
func WithGDPRApplies(v bool) Option {
	return func(s *Snapshot) { s.gdprApplies = &v }
}

// WithTCFString sets the IAB TCF consent string.
func WithTCFString(v string) Option {
	return func(s *Snapshot) { s.tcfString = &v }
}

// WithUSPrivacy sets the IAB US privacy string.
func WithUSPrivacy(v string) Option {
	return func(s *Snapshot) { s.usPrivacy = &v }
}

// WithCOPPA marks the request as child-directed or not.
func WithCOPPA(v bool) Option {
	return func(s *Snapshot) { s.coppa = &v }
}

// WithLimitAdTracking sets the platform limit-ad-tracking flag.
func WithLimitAdTracking(v bool) Option {
	return func(s *Snapshot) { s.limitAdTracking = &v }
}

// WithPrivacySandbox sets the privacy sandbox opt-in.
func WithPrivacySandbox(v bool) Option {
	return func(s *Snapshot) { s.privacySandbox = &v }
}

func (s Snapshot) GDPRApplies() (bool, bool)     { return derefBool(s.gdprApplies) }
func (s Snapshot) TCFString() (string, bool)     { return derefString(s.tcfString) }
func (s Snapshot) USPrivacy() (string, bool)     { return derefString(s.usPrivacy) }
func (s Snapshot) COPPA() (bool, bool)           { return derefBool(s.coppa) }
func (s Snapshot) LimitAdTracking() (bool, bool) { return derefBool(s.limitAdTracking) }
func (s Snapshot) PrivacySandbox() (bool, bool)  { return derefBool(s.privacySandbox) }

// Fields returns the outbound wire fields. A key is present only when the
// corresponding value was set; booleans are encoded as "1" or "0".
func (s Snapshot) Fields() map[string]string {
	out := make(map[string]string, 5)
	if v, ok := s.GDPRApplies(); ok {
		out["gdpr_applies"] = flag(v)
	}
	if v, ok := s.TCFString(); ok {
		out["gdpr_consent"] = v
	}
	if v, ok := s.USPrivacy(); ok {
		out["us_privacy"] = v
	}
	if v, ok := s.COPPA(); ok {
		out["coppa"] = flag(v)
	}
	if v, ok := s.LimitAdTracking(); ok {
		out["limit_ad_tracking"] = flag(v)
	}
	return out
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func derefBool(p *bool) (bool, bool) {
	if p == nil {
		return false, false
	}
	return *p, true
}

func derefString(p *string) (string, bool) {
	if p == nil {
		return "", false
	}
	return *p, true
}
