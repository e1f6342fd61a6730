package logging

import (
	"strconv"
	"strings"
)

const redactPrefixLen = 6

// Redact returns a truncated reference to a secret value such as a push or
// bearer token: the first few characters followed by the original length.
// Full tokens must never reach the log output.
func Redact(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}

	if len(token) <= redactPrefixLen {
		return "…(" + strconv.Itoa(len(token)) + ")"
	}

	return token[:redactPrefixLen] + "…(" + strconv.Itoa(len(token)) + ")"
}
