package gossip

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cybersiliconforest/portalgun/internal/ids"
)

// command tags the internal peer-port protocol of spec §4.6: one byte
// followed by a length-prefixed SubDomain, then command-specific
// payload (none for WhoHas, the raw forwarded bytes for ForwardStream).
type command byte

const (
	cmdWhoHas  command = 0x01
	cmdForward command = 0x02
)

const maxSubDomainFrameLen = 256

// writeRequest frames a command + SubDomain onto w, the header every
// internal RPC in this package starts with.
func writeRequest(w io.Writer, cmd command, sub ids.SubDomain) error {
	b := []byte(sub)
	if len(b) > maxSubDomainFrameLen {
		return fmt.Errorf("gossip: subdomain frame too long: %d", len(b))
	}
	hdr := make([]byte, 3+len(b))
	hdr[0] = byte(cmd)
	binary.BigEndian.PutUint16(hdr[1:3], uint16(len(b)))
	copy(hdr[3:], b)
	_, err := w.Write(hdr)
	return err
}

// readRequest parses a command + SubDomain header from r.
func readRequest(r io.Reader) (command, ids.SubDomain, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", fmt.Errorf("gossip: reading request header: %w", err)
	}
	cmd := command(hdr[0])
	n := binary.BigEndian.Uint16(hdr[1:3])
	if n > maxSubDomainFrameLen {
		return 0, "", fmt.Errorf("gossip: subdomain frame too long: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, "", fmt.Errorf("gossip: reading subdomain: %w", err)
	}
	return cmd, ids.SubDomain(buf), nil
}

const (
	whoHasYes byte = 0x01
	whoHasNo  byte = 0x00
)

func writeWhoHasReply(w io.Writer, yes bool) error {
	b := whoHasNo
	if yes {
		b = whoHasYes
	}
	_, err := w.Write([]byte{b})
	return err
}

func readWhoHasReply(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, fmt.Errorf("gossip: reading WhoHas reply: %w", err)
	}
	return b[0] == whoHasYes, nil
}
