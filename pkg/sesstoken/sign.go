package sesstoken

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sign serialises the payload and signs it with the given key.
//
// For AlgRS256 the key must be an *rsa.PrivateKey; for AlgHS256 a []byte
// shared secret. The kid is placed in the header so verifiers can select
// the right key, and the version header tells decoders which fields to
// expect.
func Sign(p Payload, version int, alg, kid string, key any) (string, error) {
	var method jwt.SigningMethod
	switch alg {
	case AlgRS256:
		method = jwt.SigningMethodRS256
	case AlgHS256:
		method = jwt.SigningMethodHS256
	default:
		return "", fmt.Errorf("sesstoken: unsupported algorithm %q", alg)
	}

	tok := jwt.NewWithClaims(method, claimsFromPayload(p, version))
	if kid != "" {
		tok.Header["kid"] = kid
	}
	tok.Header["version"] = fmt.Sprintf("%d", version)

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sesstoken: signing failed: %w", err)
	}
	return signed, nil
}

// VerifyWithKey checks the token's signature against the given public or
// shared key and returns the decoded payload. Expiry is deliberately NOT
// validated here: an expired-but-genuine token is a different condition
// from a forged one, and the session layer needs to tell them apart.
func VerifyWithKey(token string, alg string, key any) (*ParsedToken, error) {
	parsed, err := ParseWithoutVerify(token)
	if err != nil {
		return nil, err
	}

	_, err = jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, ErrInvalidSig
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return parsed, nil
}
