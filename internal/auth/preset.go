package auth

import "crypto/subtle"

// presetMatches compares the presented token against the configured
// secret in constant time. crypto/subtle is the standard primitive for
// this across the Go ecosystem (including in libraries the rest of
// the corpus depends on for password/secret comparisons); there is no
// third-party replacement worth adding for a single constant-time
// byte comparison (see DESIGN.md).
func presetMatches(presented, configured string) bool {
	if len(presented) != len(configured) {
		// Return early without comparing: subtle.ConstantTimeCompare
		// itself returns 0 at once for unequal lengths, so only the
		// length of the secret, not its content, can be learned from
		// the timing of this branch.
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
