// Package sesstoken is the wire codec for access tokens: parsing,
// serialising and signature checks over versioned JWT payloads. It makes
// no trust decisions of its own; callers decide what an expired or
// unverifiable token means.
package sesstoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("sesstoken: malformed token")
	ErrInvalidSig  = errors.New("sesstoken: invalid signature")
	ErrAlgMismatch = errors.New("sesstoken: algorithm mismatch")
)

// Supported signing algorithms. Dynamic (JWKS published) keys sign RS256,
// legacy static keys sign HS256.
const (
	AlgRS256 = "RS256"
	AlgHS256 = "HS256"
)

// Payload format versions. Version 2 predates account linking: it has no
// recipe user id and may omit the anti-CSRF token. Version 3 carries a
// distinct recipe user id and requires a kid header.
const (
	VersionV2 = 2
	VersionV3 = 3
)

// LatestVersion is the version this SDK mints.
const LatestVersion = VersionV3

// Claim keys the codec owns. User payload data lives alongside these in
// the same JWT claim set; these keys are stripped out of UserData on parse
// and must never be set through payload mutation.
var protectedClaims = map[string]struct{}{
	"sessionHandle":           {},
	"sub":                     {},
	"rsub":                    {},
	"refreshTokenHash1":       {},
	"parentRefreshTokenHash1": {},
	"antiCsrfToken":           {},
	"exp":                     {},
	"iat":                     {},
}

// IsProtectedClaim reports whether key is reserved for the codec.
func IsProtectedClaim(key string) bool {
	_, ok := protectedClaims[key]
	return ok
}

// Payload is the decoded content of an access token. Immutable by
// convention: every mutation or refresh mints a new token.
type Payload struct {
	SessionHandle           string
	UserID                  string
	RecipeUserID            string
	RefreshTokenHash1       string
	ParentRefreshTokenHash1 string
	AntiCsrfToken           string
	ExpiryTime              time.Time
	TimeCreated             time.Time

	// UserData is the application-controlled part of the payload,
	// everything that is not a protected claim.
	UserData map[string]any
}

// ParsedToken is the result of decoding a token without verifying it.
type ParsedToken struct {
	Raw     string
	KID     string
	Version int
	Payload Payload
}

// ParseWithoutVerify splits and decodes a token and checks that the fields
// its version requires are present. It never checks the signature.
func ParseWithoutVerify(token string) (*ParsedToken, error) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	tok, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	version := VersionV2
	if v, ok := tok.Header["version"].(string); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad version header %q", ErrMalformed, v)
		}
		version = n
	}

	kid, _ := tok.Header["kid"].(string)
	if version >= VersionV3 && kid == "" {
		return nil, fmt.Errorf("%w: v3 token missing kid header", ErrMalformed)
	}

	payload, err := payloadFromClaims(claims, version)
	if err != nil {
		return nil, err
	}

	return &ParsedToken{
		Raw:     token,
		KID:     kid,
		Version: version,
		Payload: payload,
	}, nil
}

func payloadFromClaims(claims jwt.MapClaims, version int) (Payload, error) {
	p := Payload{
		UserData: make(map[string]any),
	}

	var ok bool
	if p.SessionHandle, ok = claims["sessionHandle"].(string); !ok || p.SessionHandle == "" {
		return Payload{}, fmt.Errorf("%w: missing sessionHandle", ErrMalformed)
	}
	if p.UserID, ok = claims["sub"].(string); !ok || p.UserID == "" {
		return Payload{}, fmt.Errorf("%w: missing sub", ErrMalformed)
	}
	if p.RefreshTokenHash1, ok = claims["refreshTokenHash1"].(string); !ok || p.RefreshTokenHash1 == "" {
		return Payload{}, fmt.Errorf("%w: missing refreshTokenHash1", ErrMalformed)
	}

	// v3 introduced account linking; the recipe user id may differ from
	// the primary user id. v2 tokens predate the split.
	if version >= VersionV3 {
		if p.RecipeUserID, ok = claims["rsub"].(string); !ok || p.RecipeUserID == "" {
			return Payload{}, fmt.Errorf("%w: missing rsub", ErrMalformed)
		}
	} else {
		p.RecipeUserID = p.UserID
	}

	p.ParentRefreshTokenHash1, _ = claims["parentRefreshTokenHash1"].(string)
	p.AntiCsrfToken, _ = claims["antiCsrfToken"].(string)

	exp, err := numericTime(claims, "exp")
	if err != nil {
		return Payload{}, err
	}
	iat, err := numericTime(claims, "iat")
	if err != nil {
		return Payload{}, err
	}
	p.ExpiryTime = exp
	p.TimeCreated = iat

	for k, v := range claims {
		if IsProtectedClaim(k) {
			continue
		}
		p.UserData[k] = v
	}

	return p, nil
}

func numericTime(claims jwt.MapClaims, key string) (time.Time, error) {
	v, ok := claims[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrMalformed, key)
	}
	f, ok := v.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: non-numeric %s", ErrMalformed, key)
	}
	sec, frac := int64(f), f-float64(int64(f))
	return time.Unix(sec, int64(frac*1e9)).UTC(), nil
}

// claimsFromPayload flattens a Payload back into a JWT claim set.
func claimsFromPayload(p Payload, version int) jwt.MapClaims {
	claims := jwt.MapClaims{}
	for k, v := range p.UserData {
		if IsProtectedClaim(k) {
			continue
		}
		claims[k] = v
	}

	claims["sessionHandle"] = p.SessionHandle
	claims["sub"] = p.UserID
	claims["refreshTokenHash1"] = p.RefreshTokenHash1
	claims["exp"] = float64(p.ExpiryTime.Unix())
	claims["iat"] = float64(p.TimeCreated.Unix())

	if version >= VersionV3 {
		claims["rsub"] = p.RecipeUserID
	}
	if p.ParentRefreshTokenHash1 != "" {
		claims["parentRefreshTokenHash1"] = p.ParentRefreshTokenHash1
	}
	if p.AntiCsrfToken != "" {
		claims["antiCsrfToken"] = p.AntiCsrfToken
	}

	return claims
}

// FrontToken builds the value of the front-token header: a base64 JSON
// document the frontend reads to learn the user id, expiry and payload
// without being able to forge anything (it is informational only).
func FrontToken(userID string, expiry time.Time, userData map[string]any) string {
	doc := map[string]any{
		"uid": userID,
		"ate": expiry.UnixMilli(),
		"up":  userData,
	}
	b, _ := json.Marshal(doc)
	return base64.StdEncoding.EncodeToString(b)
}
