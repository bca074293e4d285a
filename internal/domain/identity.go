package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	taskIDPattern  = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	indexSanitizer = regexp.MustCompile(`[^A-Za-z0-9-]+`)
	jobIDPattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// CanonicalParams renders parameters as canonical JSON: object keys sorted,
// no insignificant whitespace. Two parameter sets that canonicalize to the
// same bytes are the same submission.
func CanonicalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	// encoding/json sorts map keys and emits compact output, which is
	// exactly the canonical form we need.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("canonicalize parameters: %w", err)
	}
	return raw, nil
}

// GenerateJobID derives the stable job identity: SHA-256 hex of the
// canonical JSON of the normalized parameters.
func GenerateJobID(params map[string]any) (string, error) {
	raw, err := CanonicalParams(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func ValidJobID(jobID string) bool {
	return jobIDPattern.MatchString(jobID)
}

// SanitizeIndex reduces a semantic task index to [A-Za-z0-9-]+.
func SanitizeIndex(index string) string {
	out := indexSanitizer.ReplaceAllString(index, "-")
	out = strings.Trim(out, "-")
	if out == "" {
		return "0"
	}
	return out
}

// NewTaskID builds "{job_id[:8]}-s{stage}-{semantic_index}".
func NewTaskID(jobID string, stage int, index string) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-s%d-%s", prefix, stage, SanitizeIndex(index))
}

// ValidTaskID checks the ID discipline: the task id is URL-safe and begins
// with the parent job's first 8 hex chars.
func ValidTaskID(taskID, parentJobID string) bool {
	if !taskIDPattern.MatchString(taskID) {
		return false
	}
	prefix := parentJobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return strings.HasPrefix(taskID, prefix)
}
