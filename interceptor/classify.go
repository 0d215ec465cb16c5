package interceptor

import "net/http"

// Outcome is the classification of a single attempt. The set is closed: every attempt maps to
// exactly one of these.
type Outcome int

const (
	// OutcomeOK is any response other than 401, including other error statuses.
	OutcomeOK Outcome = iota
	// OutcomeUnauthorized is a 401 response; the credential was rejected.
	OutcomeUnauthorized
	// OutcomeNetworkError means no response was received.
	OutcomeNetworkError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeNetworkError:
		return "network-error"
	default:
		return "ok"
	}
}

// Classify maps the result of a round trip to an Outcome.
func Classify(resp *http.Response, err error) Outcome {
	switch {
	case err != nil || resp == nil:
		return OutcomeNetworkError
	case resp.StatusCode == http.StatusUnauthorized:
		return OutcomeUnauthorized
	default:
		return OutcomeOK
	}
}
