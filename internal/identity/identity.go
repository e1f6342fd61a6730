// Package identity parses and normalizes decentralized identifiers (DIDs)
// and the resource URIs that embed them.
package identity

import (
	"strings"
)

const (
	// URIScheme is the scheme prefix of a protocol resource URI:
	// at://{identity}/{collection}/{key}
	URIScheme = "at://"

	didPrefix = "did:"
)

// Normalize trims and lower-cases a raw DID string. It returns false when the
// value is not shaped like did:<method>:<id>.
func Normalize(raw string) (string, bool) {
	did := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(did, didPrefix) {
		return "", false
	}

	rest := did[len(didPrefix):]
	method, id, found := strings.Cut(rest, ":")
	if !found || method == "" || id == "" {
		return "", false
	}

	for _, r := range method {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", false
		}
	}

	if strings.ContainsAny(id, " /?#") {
		return "", false
	}

	return did, true
}

// ParseIdentityFromURI extracts the normalized identity from the authority
// segment of a resource URI. A nil input, a missing scheme prefix or an empty
// authority all yield nil.
func ParseIdentityFromURI(uri *string) *string {
	if uri == nil {
		return nil
	}

	did, ok := IdentityFromURI(*uri)
	if !ok {
		return nil
	}
	return &did
}

// IdentityFromURI is the value form of ParseIdentityFromURI used on the hot path.
func IdentityFromURI(uri string) (string, bool) {
	if len(uri) <= len(URIScheme) || !strings.EqualFold(uri[:len(URIScheme)], URIScheme) {
		return "", false
	}

	authority := uri[len(URIScheme):]
	if i := strings.IndexByte(authority, '/'); i >= 0 {
		authority = authority[:i]
	}
	if authority == "" {
		return "", false
	}

	return Normalize(authority)
}
