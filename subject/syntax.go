package subject

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
)

var (
	didRegex  = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)
	nsidRegex = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?)+$`)
	rkeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_~.:-]{1,512}$`)
)

// ParseDID checks DID syntax, as would pass Lexicon validation for the 'did' format.
func ParseDID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("expected DID, got empty string")
	}
	if len(raw) > 2*1024 {
		return "", fmt.Errorf("DID is too long (2048 chars max)")
	}
	if !didRegex.MatchString(raw) {
		return "", fmt.Errorf("DID syntax didn't validate via regex: %q", raw)
	}
	return raw, nil
}

// uriParts splits a record AT-URI into authority, collection and record key.
// The authority must be a DID: moderation subjects are never addressed by handle.
func uriParts(raw string) (did, collection, rkey string, err error) {
	if len(raw) > 8192 {
		return "", "", "", fmt.Errorf("AT-URI is too long (8192 chars max)")
	}
	rest, ok := strings.CutPrefix(raw, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("AT-URI must start with at://: %q", raw)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("record AT-URI needs authority, collection and record key: %q", raw)
	}
	if _, err := ParseDID(parts[0]); err != nil {
		return "", "", "", fmt.Errorf("AT-URI authority is not a DID: %w", err)
	}
	if len(parts[1]) > 317 || !nsidRegex.MatchString(parts[1]) {
		return "", "", "", fmt.Errorf("AT-URI collection is not an NSID: %q", parts[1])
	}
	if parts[2] == "." || parts[2] == ".." || !rkeyRegex.MatchString(parts[2]) {
		return "", "", "", fmt.Errorf("AT-URI record key is invalid: %q", parts[2])
	}
	return parts[0], parts[1], parts[2], nil
}

// ParseRecordURI checks that raw is an AT-URI pointing at a single record.
func ParseRecordURI(raw string) (string, error) {
	if _, _, _, err := uriParts(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// SplitRecordURI returns the DID, collection and record key of a record AT-URI.
func SplitRecordURI(raw string) (did, collection, rkey string, err error) {
	return uriParts(raw)
}

// DidFromURI returns the DID authority of an AT-URI, or an empty string.
func DidFromURI(uri string) string {
	parts := strings.SplitN(uri, "/", 4)
	if len(parts) < 3 {
		return ""
	}
	if strings.HasPrefix(parts[2], "did:") {
		return parts[2]
	}
	return ""
}

// ParseCID fully decodes a CID string. CIDv0 is not allowed in atproto.
func ParseCID(raw string) (string, error) {
	c, err := cid.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("invalid CID %q: %w", raw, err)
	}
	if c.Version() == 0 {
		return "", fmt.Errorf("CIDv0 not allowed: %q", raw)
	}
	return c.String(), nil
}
