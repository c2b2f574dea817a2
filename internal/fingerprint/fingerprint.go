// Package fingerprint decides whether a session needs to be analyzed again.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"retrospect-backend/internal/shared/util"
)

const version = "v1"

// Fingerprint hashes the inputs that determine an analysis outcome. Each field
// is length-prefixed and terminated so that shifting bytes between adjacent
// fields always changes the digest.
func Fingerprint(resolvedPrompt, templateID, templateDigest, modelID string) string {
	h := sha256.New()
	for _, field := range []string{version, templateID, templateDigest, modelID, resolvedPrompt} {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TemplateDigest hashes raw template text so in-place edits invalidate prior results.
func TemplateDigest(templateText string) string {
	return util.SHA256Hex(templateText)
}

// Prior identifies an existing completed result for a session.
type Prior struct {
	ResultID    string
	ContentHash string
}

// ShouldSkip reports whether prior already covers newHash.
func ShouldSkip(prior *Prior, newHash string) bool {
	if prior == nil || newHash == "" {
		return false
	}
	return prior.ContentHash == newHash
}
