package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubDomainValid(t *testing.T) {
	cases := map[string]bool{
		"abc":            true,
		"ab":             false, // too short: pattern requires >= 3 chars
		"aB3xK9pL":       false, // uppercase not allowed
		"my-sub-domain":  true,
		"-leading-dash":  false,
		"has_underscore": false,
		"":                false,
	}
	for in, want := range cases {
		assert.Equalf(t, want, SubDomain(in).Valid(), "SubDomain(%q).Valid()", in)
	}
}

func TestNewRandomSubDomainIsValid(t *testing.T) {
	for i := 0; i < 100; i++ {
		sub, err := NewRandomSubDomain()
		require.NoError(t, err)
		assert.Len(t, string(sub), randomSubDomainLength)
		assert.True(t, sub.Valid(), "generated subdomain %q must be valid", sub)
	}
}

func TestStreamIdRoundTrip(t *testing.T) {
	id := NewStreamId()
	b := id.Bytes()
	got := StreamIdFromBytes(b)
	assert.Equal(t, id, got)
}

func TestClientIdUnique(t *testing.T) {
	a := NewClientId()
	b := NewClientId()
	assert.NotEqual(t, a, b)
}
