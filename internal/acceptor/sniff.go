package acceptor

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

const sniffBufferCap = 8192

// sniffResult carries the routing key extracted from a connection's
// opening bytes (HTTP Host header or TLS SNI) plus every byte consumed
// while sniffing, which must still be relayed to the eventual target
// since the server is a byte pipe, not an HTTP proxy (spec §1
// Non-goals) — it never fully parses or rewrites the request.
type sniffResult struct {
	host   string
	peeked []byte
}

// sniff reads one chunk from conn and extracts the routing host,
// either the HTTP Host header or the SNI server name of a TLS
// ClientHello. The caller is responsible for bounding this with a
// read deadline (spec §4.5: "Timeout 5s; on failure, close").
func sniff(conn net.Conn) (sniffResult, error) {
	buf := make([]byte, sniffBufferCap)
	n, err := conn.Read(buf)
	if n == 0 {
		return sniffResult{}, fmt.Errorf("acceptor: no bytes read while sniffing: %w", err)
	}
	data := buf[:n]

	if data[0] == 0x16 {
		host, ok := parseSNI(data)
		if !ok {
			return sniffResult{}, fmt.Errorf("acceptor: could not parse TLS ClientHello for SNI")
		}
		return sniffResult{host: host, peeked: data}, nil
	}

	host, ok := parseHTTPHost(data)
	if !ok {
		return sniffResult{}, fmt.Errorf("acceptor: no Host header found in request")
	}
	return sniffResult{host: host, peeked: data}, nil
}

// parseHTTPHost extracts the Host header from the opening bytes of an
// HTTP request without otherwise interpreting the request.
func parseHTTPHost(data []byte) (string, bool) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	if _, err := r.ReadLine(); err != nil {
		return "", false
	}
	header, err := r.ReadMIMEHeader()
	if err != nil && header == nil {
		return "", false
	}
	host := header.Get("Host")
	if host == "" {
		return "", false
	}
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	return strings.ToLower(host), true
}

// parseSNI extracts the server_name extension from a TLS ClientHello
// record. It returns false for anything malformed or unrecognized
// rather than panicking, since the input is attacker-controlled.
func parseSNI(data []byte) (string, bool) {
	// TLS record header: type(1) version(2) length(2).
	if len(data) < 5 || data[0] != 0x16 {
		return "", false
	}
	recordLen := int(data[3])<<8 | int(data[4])
	if len(data) < 5+recordLen {
		return "", false // truncated; caller's single read didn't capture the full ClientHello
	}
	hs := data[5 : 5+recordLen]

	// Handshake header: type(1) length(3).
	if len(hs) < 4 || hs[0] != 0x01 {
		return "", false
	}
	bodyLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+bodyLen {
		return "", false
	}
	body := hs[4 : 4+bodyLen]

	// client_version(2) random(32) session_id_len(1)+session_id
	if len(body) < 34 {
		return "", false
	}
	pos := 2 + 32
	if len(body) < pos+1 {
		return "", false
	}
	sessIDLen := int(body[pos])
	pos++
	pos += sessIDLen
	if len(body) < pos+2 {
		return "", false
	}

	// cipher_suites_len(2) + cipher_suites
	cipherLen := int(body[pos])<<8 | int(body[pos+1])
	pos += 2 + cipherLen
	if len(body) < pos+1 {
		return "", false
	}

	// compression_methods_len(1) + compression_methods
	compLen := int(body[pos])
	pos += 1 + compLen
	if len(body) < pos+2 {
		return "", false
	}

	// extensions_len(2) + extensions
	extTotalLen := int(body[pos])<<8 | int(body[pos+1])
	pos += 2
	if len(body) < pos+extTotalLen {
		return "", false
	}
	extensions := body[pos : pos+extTotalLen]

	const extensionTypeSNI = 0x0000
	for len(extensions) >= 4 {
		extType := int(extensions[0])<<8 | int(extensions[1])
		extLen := int(extensions[2])<<8 | int(extensions[3])
		extensions = extensions[4:]
		if len(extensions) < extLen {
			return "", false
		}
		extData := extensions[:extLen]
		extensions = extensions[extLen:]

		if extType != extensionTypeSNI {
			continue
		}
		if len(extData) < 2 {
			return "", false
		}
		listLen := int(extData[0])<<8 | int(extData[1])
		names := extData[2:]
		if len(names) < listLen {
			return "", false
		}
		names = names[:listLen]
		for len(names) >= 3 {
			nameType := names[0]
			nameLen := int(names[1])<<8 | int(names[2])
			names = names[3:]
			if len(names) < nameLen {
				return "", false
			}
			if nameType == 0x00 { // host_name
				return strings.ToLower(string(names[:nameLen])), true
			}
			names = names[nameLen:]
		}
	}
	return "", false
}
