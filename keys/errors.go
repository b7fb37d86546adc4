package keys

import "errors"

var (
	// ErrInvalidSignature is returned when a token's signature does not verify
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrMalformedToken is returned when a token cannot be parsed
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnknownKey is returned when a token names a key that is not (or no
	// longer) in the verification set
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrUnsupportedAlgorithm is returned for signing algorithms other than RS256 and ES256
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
)
