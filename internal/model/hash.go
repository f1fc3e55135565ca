package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// fieldSeparator is the 0x1F (unit separator) byte used to join hashed
// fields unambiguously: hash(issue) = stable_hash(title 0x1F
// description 0x1F canonicalStatus). Priority is excluded so priority-only
// edits don't trigger propagation churn.
const fieldSeparator = 0x1F

// ContentHash computes the stable content hash of an issue's
// propagation-relevant fields.
func ContentHash(title, description string, status Status) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{fieldSeparator})
	h.Write([]byte(description))
	h.Write([]byte{fieldSeparator})
	h.Write([]byte(status))
	return hex.EncodeToString(h.Sum(nil))
}

// IssueContentHash is a convenience wrapper over ContentHash for an Issue.
func IssueContentHash(issue *Issue) string {
	return ContentHash(issue.Title, issue.Description, issue.Status)
}
