// Package auth implements the auth verifier of spec §4.1: mapping an
// opaque Credential and a requested SubDomain to an AuthDecision,
// without ever blocking on the network once the verifier has been
// constructed.
package auth

import "github.com/cybersiliconforest/portalgun/internal/ids"

// CredentialKind distinguishes the two credential shapes the verifier
// accepts.
type CredentialKind int

const (
	// CredentialSignedToken is a signed token carrying subdomain-regex
	// patterns, an issuer, audience, and validity window.
	CredentialSignedToken CredentialKind = iota
	// CredentialPreset is a shared preset token compared in constant
	// time against a configured secret.
	CredentialPreset
)

// Credential is the input to Verify: either a signed token or a
// preset token, carried as its raw string form.
type Credential struct {
	Kind  CredentialKind
	Token string
}

// SignedToken wraps a credential carrying a signed JWT.
func SignedToken(token string) Credential {
	return Credential{Kind: CredentialSignedToken, Token: token}
}

// PresetToken wraps a credential carrying a shared preset secret.
func PresetToken(token string) Credential {
	return Credential{Kind: CredentialPreset, Token: token}
}

// DeniedReason enumerates why a Decision denied a credential.
type DeniedReason string

const (
	InvalidKey       DeniedReason = "invalid_key"
	InvalidSubDomain DeniedReason = "invalid_sub_domain"
	SubDomainInUse   DeniedReason = "sub_domain_in_use"
)

// DecisionKind tags the variant of a Decision.
type DecisionKind int

const (
	Granted DecisionKind = iota
	Reassigned
	Denied
)

// Decision is the verifier's answer: a subdomain grant (verbatim or
// reassigned) or a denial with a reason.
type Decision struct {
	Kind      DecisionKind
	SubDomain ids.SubDomain
	Reason    DeniedReason
}

func granted(sub ids.SubDomain) Decision      { return Decision{Kind: Granted, SubDomain: sub} }
func reassigned(sub ids.SubDomain) Decision   { return Decision{Kind: Reassigned, SubDomain: sub} }
func denied(reason DeniedReason) Decision     { return Decision{Kind: Denied, Reason: reason} }

// Verifier maps a Credential and requested SubDomain to an
// AuthDecision. Implementations must never block on the network once
// constructed (spec §4.1); any remote key-set fetch happens at
// construction time.
type Verifier interface {
	Verify(cred Credential, requestedSub ids.SubDomain) Decision
}
