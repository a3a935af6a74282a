package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v3"
)

// KeySet resolves a JWT key id to the public key that should verify
// it. It is populated once at startup from the configured OIDC
// discovery document and never blocks thereafter, matching the
// "key-set fetch is an init-time operation" requirement of spec §4.1.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]interface{}
}

// discoveryDoc captures the one field of the OIDC discovery document
// that oidc.Provider does not expose directly: the JWKS endpoint.
type discoveryDoc struct {
	JWKSURI string `json:"jwks_uri"`
}

// FetchKeySet resolves the OIDC discovery document at discoveryURL,
// downloads its JWKS, and returns a KeySet populated with every key it
// contains, indexed by key id. This is an init-time, one-shot network
// operation; the returned KeySet never touches the network again.
func FetchKeySet(ctx context.Context, httpClient *http.Client, discoveryURL string) (*KeySet, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("auth: discovering OIDC issuer %q: %w", discoveryURL, err)
	}
	var doc discoveryDoc
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("auth: decoding OIDC discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("auth: OIDC discovery document for %q has no jwks_uri", discoveryURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building JWKS request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: fetching JWKS from %q: %w", doc.JWKSURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: JWKS endpoint %q returned status %d", doc.JWKSURI, resp.StatusCode)
	}

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("auth: decoding JWKS: %w", err)
	}

	ks := &KeySet{keys: make(map[string]interface{}, len(jwks.Keys))}
	for _, k := range jwks.Keys {
		ks.keys[k.KeyID] = k.Key
	}
	return ks, nil
}

// NewStaticKeySet wraps a single already-resolved key under the given
// key id. The server's startup path does not use it (with no OIDC
// discovery URL configured, signed-token auth is disabled); tests use
// it to verify tokens against a locally generated key.
func NewStaticKeySet(keyID string, key interface{}) *KeySet {
	return &KeySet{keys: map[string]interface{}{keyID: key}}
}

// Key returns the public key registered under kid, or an error if
// absent. An absent keyset (zero keys known) is a fatal configuration
// error at the caller, surfaced as Denied(InvalidKey).
func (ks *KeySet) Key(kid string) (interface{}, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth: no key for kid %q", kid)
	}
	return key, nil
}

// Empty reports whether the key set holds no keys at all.
func (ks *KeySet) Empty() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys) == 0
}
