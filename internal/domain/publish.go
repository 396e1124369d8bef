package domain

import "time"

// QuotaWindow is a provider's rate-limit state as reported on one response.
// Known is false when the provider sent no quota information.
type QuotaWindow struct {
	Remaining int
	Reset     time.Duration
	Known     bool
}

// PublishResponse is the outcome of one publish request.
type PublishResponse struct {
	Status int
	Body   string
	Quota  QuotaWindow
}

// OK reports a 2xx status.
func (r PublishResponse) OK() bool { return r.Status >= 200 && r.Status < 300 }
