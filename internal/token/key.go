package token

import "errors"

// ErrEmptySigningKey is returned when a signing key is constructed from no bytes.
var ErrEmptySigningKey = errors.New("signing key must not be empty")

// SigningKey is the process-wide HMAC secret. It is loaded once at startup and
// never changes afterwards, so it is safe to share between goroutines.
type SigningKey struct {
	secret []byte
}

// NewSigningKey copies secret so later changes to the caller's slice cannot
// alter the key.
func NewSigningKey(secret []byte) (SigningKey, error) {
	if len(secret) == 0 {
		return SigningKey{}, ErrEmptySigningKey
	}
	b := make([]byte, len(secret))
	copy(b, secret)
	return SigningKey{secret: b}, nil
}

// Len returns the key length in bytes.
func (k SigningKey) Len() int { return len(k.secret) }

func (k SigningKey) bytes() []byte { return k.secret }
