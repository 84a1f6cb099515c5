package isapi

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Panels speak RFC 2617 HTTP digest. No pool library covers the client side,
// so the challenge/response handshake is implemented here.

type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string
}

func parseDigestChallenge(header string) (digestChallenge, error) {
	header = strings.TrimSpace(header)
	const prefix = "digest "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return digestChallenge{}, errors.New("not a digest challenge")
	}
	var ch digestChallenge
	for _, part := range splitChallenge(header[len(prefix):]) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch key {
		case "realm":
			ch.realm = value
		case "nonce":
			ch.nonce = value
		case "opaque":
			ch.opaque = value
		case "qop":
			ch.qop = value
		case "algorithm":
			ch.algorithm = value
		}
	}
	if ch.nonce == "" {
		return digestChallenge{}, errors.New("digest challenge missing nonce")
	}
	return ch, nil
}

// splitChallenge splits on commas outside quoted strings.
func splitChallenge(raw string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func (ch digestChallenge) authorization(method string, uri string, username string, password string, cnonce string, nc int) string {
	ha1 := md5Hex(username + ":" + ch.realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)

	qop := ""
	for _, candidate := range strings.Split(ch.qop, ",") {
		if strings.TrimSpace(candidate) == "auth" {
			qop = "auth"
			break
		}
	}

	ncValue := fmt.Sprintf("%08x", nc)
	var response string
	if qop == "auth" {
		response = md5Hex(strings.Join([]string{ha1, ch.nonce, ncValue, cnonce, qop, ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + ch.nonce + ":" + ha2)
	}

	var b strings.Builder
	b.WriteString(`Digest username="` + username + `"`)
	b.WriteString(`, realm="` + ch.realm + `"`)
	b.WriteString(`, nonce="` + ch.nonce + `"`)
	b.WriteString(`, uri="` + uri + `"`)
	b.WriteString(`, response="` + response + `"`)
	if qop == "auth" {
		b.WriteString(`, qop=auth, nc=` + ncValue + `, cnonce="` + cnonce + `"`)
	}
	if ch.opaque != "" {
		b.WriteString(`, opaque="` + ch.opaque + `"`)
	}
	if ch.algorithm != "" {
		b.WriteString(`, algorithm=` + ch.algorithm)
	}
	return b.String()
}

func md5Hex(raw string) string {
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newCnonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "0a4f113b"
	}
	return hex.EncodeToString(buf)
}
