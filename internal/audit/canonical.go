// Package audit produces the stored forms of audit-record details: the
// regular JSON, its RFC 8785 (JCS) canonical text and a SHA-256 digest of
// that text. The digest lets an exported audit trail be re-checked offline.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"
)

type Canonical struct {
	JSON      json.RawMessage
	Canonical string
	Digest    string
}

// Canonicalize returns both representations required by the audit_log
// schema plus the digest of the canonical text.
func Canonicalize(v any) (Canonical, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Canonical{}, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return Canonical{}, err
	}
	return Canonical{
		JSON:      json.RawMessage(raw),
		Canonical: string(canon),
		Digest:    Digest(string(canon)),
	}, nil
}

func Digest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether digest matches canonical and canonical is already
// in JCS form.
func Verify(canonical, digest string) bool {
	again, err := jcs.Transform([]byte(canonical))
	if err != nil || string(again) != canonical {
		return false
	}
	return Digest(canonical) == strings.ToLower(strings.TrimSpace(digest))
}
