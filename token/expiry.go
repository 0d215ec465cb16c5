package token

import "time"

// Evaluator decides whether an access token should be treated as expired. It never contacts
// the network.
type Evaluator struct {
	// Leeway treats tokens that expire within this window as already expired.
	Leeway time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// IsExpired reports whether tok is expired or about to expire. Tokens whose expiry cannot be
// decoded are reported as expired, which forces a refresh instead of sending an unreadable
// credential.
func (e Evaluator) IsExpired(tok Token) bool {
	exp, err := tok.ExpiresAt()
	if err != nil {
		return true
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return !now().Add(e.Leeway).Before(exp)
}

// IsExpired is Evaluator{}.IsExpired.
func IsExpired(tok Token) bool {
	return Evaluator{}.IsExpired(tok)
}
