package auth

import "github.com/cybersiliconforest/portalgun/internal/ids"

// ServerVerifier is the server's single Verifier implementation,
// modeled as a variant over the two credential kinds rather than two
// separate verifier types reached by inheritance (spec §9): one
// Verify operation, dispatching internally on Credential.Kind.
type ServerVerifier struct {
	Token  *TokenVerifier
	Preset string // empty disables the preset-token path
}

// Verify implements Verifier.
func (v *ServerVerifier) Verify(cred Credential, requestedSub ids.SubDomain) Decision {
	switch cred.Kind {
	case CredentialPreset:
		return v.verifyPreset(cred)
	case CredentialSignedToken:
		return v.verifySignedToken(cred, requestedSub)
	default:
		return denied(InvalidKey)
	}
}

func (v *ServerVerifier) verifyPreset(cred Credential) Decision {
	if v.Preset == "" || !presetMatches(cred.Token, v.Preset) {
		return denied(InvalidKey)
	}
	sub, err := ids.NewRandomSubDomain()
	if err != nil {
		return denied(InvalidKey)
	}
	return granted(sub)
}

func (v *ServerVerifier) verifySignedToken(cred Credential, requestedSub ids.SubDomain) Decision {
	if v.Token == nil {
		return denied(InvalidKey)
	}
	patterns, err := v.Token.verifyToken(cred.Token)
	if err != nil {
		return denied(InvalidKey)
	}

	if requestedSub != "" {
		if !requestedSub.Valid() {
			return denied(InvalidSubDomain)
		}
		if matchSubDomain(patterns, requestedSub) {
			return granted(requestedSub)
		}
		// Requested subdomain is not permitted by this token: offer a
		// substitute rather than denying outright (spec §4.1
		// Reassigned).
		if sub, ok := firstAssignable(patterns); ok {
			return reassigned(sub)
		}
		return denied(InvalidSubDomain)
	}

	// No subdomain requested: grant whatever the token's first
	// pattern produces.
	if sub, ok := firstAssignable(patterns); ok {
		return granted(sub)
	}
	return denied(InvalidSubDomain)
}
