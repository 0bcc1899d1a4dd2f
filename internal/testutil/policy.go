package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTestPolicyFile writes content as policy.yaml in dir and returns its path.
func WriteTestPolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// StrictPolicy refuses outbound messages and requires approval for fetches.
const StrictPolicy = `version: "1"
posture: conservative
rules:
  - action: send_message
    level: never
    reason: no outbound messages
  - action: fetch_url
    level: propose
    reason: ask before browsing
`
