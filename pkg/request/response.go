package request

import "strings"

// CapturedResponse is the response paired with a CapturedRequest.
type CapturedResponse struct {
	Status  int               `json:"Status"`
	Headers map[string]string `json:"Headers"`
	Cookies map[string]string `json:"Cookies"`
	Body    string            `json:"Body"`
}

// Clone returns a deep copy of the response.
func (r *CapturedResponse) Clone() *CapturedResponse {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Headers = cloneMap(r.Headers)
	cp.Cookies = cloneMap(r.Cookies)
	return &cp
}

// ContentType sniffs the response body.
func (r *CapturedResponse) ContentType() ContentType {
	return DetectContentType(r.Headers, r.Body)
}

// Header looks a header up case-insensitively.
func (r *CapturedResponse) Header(name string) (string, bool) {
	_, v, ok := lookupFold(r.Headers, name)
	return v, ok
}

// Equal reports whether both responses carry the same status, headers and
// trimmed body. Cookies are not compared.
func (r *CapturedResponse) Equal(other *CapturedResponse) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Status != other.Status {
		return false
	}
	if len(r.Headers) != len(other.Headers) {
		return false
	}
	for k, v := range r.Headers {
		if ov, ok := other.Headers[k]; !ok || ov != v {
			return false
		}
	}
	return strings.TrimSpace(r.Body) == strings.TrimSpace(other.Body)
}

// Outcome buckets a status code for display.
type Outcome string

const (
	OutcomeInfo    Outcome = "info"
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeError   Outcome = "error"
)

// Classify maps a status code to its Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 400:
		return OutcomeError
	case status >= 300:
		return OutcomeWarning
	case status >= 200:
		return OutcomeSuccess
	default:
		return OutcomeInfo
	}
}
