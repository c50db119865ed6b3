package guard

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Confidence grades how sure a heuristic is that a value is already encoded.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// blocks reports whether a finding at this confidence can block in strict mode.
func (c Confidence) blocks() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium
}

// ValueIssue is a suspicion that a value is already encrypted or encoded.
type ValueIssue struct {
	Key        string     `json:"key"`
	Kind       string     `json:"kind"`
	Confidence Confidence `json:"confidence"`
	Message    string     `json:"message"`
}

var (
	bcryptPattern   = regexp.MustCompile(`^\$2[abxy]?\$\d{2}\$[./A-Za-z0-9]{53}$`)
	hexPattern      = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	base64Pattern   = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	base64urlChunk  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	sshPublicPrefix = []string{"ssh-rsa ", "ssh-ed25519 ", "ecdsa-sha2-"}
	cipherPrefixes  = map[string]string{
		"age-encryption.org/": "age",
		"vault:v":             "vault-transit",
		"enc:":                "enc-prefix",
		"ENC[":                "sops",
	}
)

// InspectValue runs the encoding heuristics over value. The first matching
// heuristic wins, ordered from most to least specific.
func InspectValue(key, value string) (ValueIssue, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return ValueIssue{}, false
	}

	found := func(kind string, c Confidence, msg string) (ValueIssue, bool) {
		return ValueIssue{Key: key, Kind: kind, Confidence: c, Message: msg}, true
	}

	switch {
	case strings.HasPrefix(v, "-----BEGIN PGP"):
		return found("pgp-armor", ConfidenceHigh, "value is a PGP armored block; it looks already encrypted")
	case strings.Contains(v, "PRIVATE KEY-----") && strings.HasPrefix(v, "-----BEGIN"):
		return found("private-key", ConfidenceHigh, "value is a PEM private key; store key files, not re-encrypted blobs")
	case hasAnyPrefix(v, sshPublicPrefix):
		return found("ssh-key", ConfidenceHigh, "value is an SSH public key")
	case bcryptPattern.MatchString(v):
		return found("bcrypt", ConfidenceHigh, "value is a bcrypt hash; hashes cannot be used as plaintext secrets")
	}

	for prefix, kind := range cipherPrefixes {
		if strings.HasPrefix(v, prefix) {
			return found(kind, ConfidenceHigh, "value carries a "+kind+" ciphertext prefix; it looks already encrypted")
		}
	}

	if isJWT(v) {
		return found("jwt", ConfidenceMedium, "value is a signed JWT; tokens usually expire and should not be stored long-term")
	}
	if len(v) >= 32 && len(v)%2 == 0 && hexPattern.MatchString(v) {
		return found("hex", ConfidenceMedium, "value is a long hex string; it may be an encoded or encrypted payload")
	}
	if c, ok := base64Confidence(v); ok {
		return found("base64", c, "value decodes as base64; it may be an encoded or encrypted payload")
	}
	return ValueIssue{}, false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func isJWT(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" || !base64urlChunk.MatchString(part) {
			return false
		}
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(header, &fields); err != nil {
		return false
	}
	_, hasAlg := fields["alg"]
	return hasAlg
}

// base64Confidence grades a base64-looking value. Printable decodings are
// weak evidence because plain words are often valid base64.
func base64Confidence(v string) (Confidence, bool) {
	if len(v) < 24 || len(v)%4 != 0 || !base64Pattern.MatchString(v) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", false
	}
	nonPrintable := 0
	for _, r := range string(decoded) {
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			nonPrintable++
		}
	}
	if nonPrintable*4 >= len(decoded) {
		return ConfidenceMedium, true
	}
	if strings.HasSuffix(v, "=") {
		return ConfidenceLow, true
	}
	return "", false
}
