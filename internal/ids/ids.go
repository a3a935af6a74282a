// Package ids defines the opaque identifier types shared across the
// tunnel server: ClientId and StreamId (128-bit, printable as short
// strings) and SubDomain (a validated DNS label).
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/google/uuid"
)

// ClientId uniquely identifies one authenticated client across its
// connection lifetime.
type ClientId uuid.UUID

// NewClientId generates a fresh random ClientId.
func NewClientId() ClientId {
	return ClientId(uuid.New())
}

func (c ClientId) String() string {
	return uuid.UUID(c).String()
}

// StreamId uniquely identifies one end-user TCP connection being
// relayed through a ControlSession.
type StreamId uuid.UUID

// NewStreamId generates a fresh random StreamId.
func NewStreamId() StreamId {
	return StreamId(uuid.New())
}

func (s StreamId) String() string {
	return uuid.UUID(s).String()
}

// Bytes returns the 16-byte wire representation of the StreamId.
func (s StreamId) Bytes() [16]byte {
	return [16]byte(s)
}

// StreamIdFromBytes reconstructs a StreamId from its 16-byte wire
// representation.
func StreamIdFromBytes(b [16]byte) StreamId {
	return StreamId(b)
}

// SubDomain is a DNS label claimed by a client and dialed by end
// users under the configured tunnel host.
type SubDomain string

// subDomainPattern matches a valid SubDomain: lowercase alphanumerics
// and hyphens, 3-63 characters, starting with an alphanumeric.
var subDomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,62}$`)

// Valid reports whether s is a well-formed SubDomain label.
func (s SubDomain) Valid() bool {
	return subDomainPattern.MatchString(string(s))
}

const randomSubDomainLength = 8

const randomSubDomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewRandomSubDomain generates a fresh, unclaimed-looking random
// SubDomain of fixed length, used for anonymous clients. It uses
// crypto/rand rather than math/rand since a guessable subdomain would
// let an attacker squat a future anonymous tunnel.
func NewRandomSubDomain() (SubDomain, error) {
	alphabetLen := big.NewInt(int64(len(randomSubDomainAlphabet)))
	buf := make([]byte, randomSubDomainLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generating random subdomain: %w", err)
		}
		buf[i] = randomSubDomainAlphabet[n.Int64()]
	}
	return SubDomain(buf), nil
}
