package auth

import (
	"fmt"
	"regexp"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/golang-jwt/jwt/v5"
)

// subDomainsClaim is the name of the custom claim carrying the list of
// subdomain-regex patterns a signed token authorizes. Source tokens
// have been observed carrying it both at the top level of the claim
// set and nested one level under "claims" (spec §9); both are
// accepted, with the top-level value preferred when both are present.
const subDomainsClaim = "portalgun_subdomains"

// TokenVerifier implements the signed-token half of spec §4.1: it
// checks signature, issuer, audience, validity window, and that at
// least one carried pattern matches the requested subdomain.
type TokenVerifier struct {
	KeySet   *KeySet
	Issuer   string
	Audience string
}

// verifyToken parses and validates tokenString, returning the list of
// subdomain patterns it authorizes.
func (v *TokenVerifier) verifyToken(tokenString string) ([]string, error) {
	if v.KeySet == nil || v.KeySet.Empty() {
		return nil, fmt.Errorf("auth: no key set configured")
	}

	parsed, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return v.KeySet.Key(kid)
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithIssuer(v.Issuer),
		jwt.WithAudience(v.Audience),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("auth: token has no usable claims")
	}

	return extractSubDomainPatterns(claims)
}

// extractSubDomainPatterns reads the subdomain-pattern claim,
// preferring a top-level value over the nested "claims.<name>" shape
// when both are present (spec §9 documents this as an ambiguity in
// the source that must be tolerated either way).
func extractSubDomainPatterns(claims jwt.MapClaims) ([]string, error) {
	if patterns, ok := readPatternClaim(claims); ok {
		return patterns, nil
	}
	if nested, ok := claims["claims"].(map[string]interface{}); ok {
		if patterns, ok := readPatternClaim(jwt.MapClaims(nested)); ok {
			return patterns, nil
		}
	}
	return nil, fmt.Errorf("auth: token carries no %q claim", subDomainsClaim)
}

func readPatternClaim(claims jwt.MapClaims) ([]string, bool) {
	raw, ok := claims[subDomainsClaim]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	patterns := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok || s == "" {
			continue
		}
		patterns = append(patterns, s)
	}
	if len(patterns) == 0 {
		return nil, false
	}
	return patterns, true
}

// matchSubDomain reports whether requested matches any of patterns.
// Each pattern is anchored at both ends before compiling (spec §9):
// the Rust source matches unanchored, which would let e.g. pattern
// "api" wrongly approve "api-evil"; anchoring is a deliberate,
// documented divergence (see Open Questions in SPEC_FULL.md).
func matchSubDomain(patterns []string, requested ids.SubDomain) bool {
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			continue
		}
		if re.MatchString(string(requested)) {
			return true
		}
	}
	return false
}

// firstAssignable returns the first pattern that is itself a literal
// valid label, taken verbatim as the subdomain; patterns are not
// compiled or expanded, so a pattern that is only a regex yields
// nothing here. Used when the client requested
// no subdomain or its request was denied and a substitute must be
// offered instead.
func firstAssignable(patterns []string) (ids.SubDomain, bool) {
	for _, p := range patterns {
		candidate := ids.SubDomain(p)
		if candidate.Valid() {
			return candidate, true
		}
	}
	return "", false
}
