package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/latch/internal/approval"
	"github.com/dativo-io/latch/internal/policy"
	"github.com/dativo-io/latch/internal/testutil"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPolicyCmd_HasSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, c := range policyCmd.Commands() {
		registered[c.Name()] = true
	}
	assert.True(t, registered["validate"])
	assert.True(t, registered["eval"])
	assert.Error(t, policyEvalCmd.Args(policyEvalCmd, nil))
}

func TestValidatePolicyFile(t *testing.T) {
	valid := writePolicy(t, `version: "1"
posture: conservative
rules:
  - action: fetch_url
    scope:
      domain: "*.example.com"
    level: free
    reason: docs
`)
	out := new(bytes.Buffer)
	require.NoError(t, validatePolicyFile(out, valid))
	assert.Contains(t, out.String(), "1 rules, posture conservative")

	invalid := writePolicy(t, `version: "1"
rules:
  - action: fetch_url
    level: sometimes
`)
	assert.Error(t, validatePolicyFile(out, invalid))
	assert.Error(t, validatePolicyFile(out, filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestPrintDecision(t *testing.T) {
	p := policy.New(policy.PostureBalanced, policy.BuiltinRules(), nil, []policy.Rule{
		{ID: "config:0", Action: policy.ActionFetchURL, Scope: map[string]string{"domain": "evil.test"}, Level: policy.LevelNever, Reason: "blocked"},
	})
	out := new(bytes.Buffer)

	printDecision(out, p, policy.ActionFetchURL, map[string]string{"domain": "evil.test"})
	assert.Contains(t, out.String(), "Level:   never")
	assert.Contains(t, out.String(), "Rule:    config:0")

	out.Reset()
	printDecision(out, p, "launch_rocket", nil)
	assert.Contains(t, out.String(), "Level:   propose")
	assert.Contains(t, out.String(), "Rule:    none")
}

func TestBuildPolicy_LayersFileOverApprovals(t *testing.T) {
	dir := useTempDataDir(t)
	testutil.WriteTestPolicyFile(t, dir, testutil.StrictPolicy)

	cfg, err := loadConfig()
	require.NoError(t, err)
	rules := openTestRules(t)
	_, err = rules.Add(policy.ActionSendMessage, nil, policy.LevelFree, "", approval.Provenance{Via: "cli"})
	require.NoError(t, err)

	p, err := buildPolicy(context.Background(), cfg, rules)
	require.NoError(t, err)
	assert.Equal(t, policy.PostureConservative, p.Posture())
	assert.Equal(t, policy.LevelNever, p.Evaluate(policy.ActionSendMessage, nil).Level, "config rule outranks the approval at equal specificity")
	assert.Equal(t, policy.LevelPropose, p.Evaluate(policy.ActionFetchURL, nil).Level)
}

func TestBuildPolicy_MissingFileUsesConfigPosture(t *testing.T) {
	useTempDataDir(t)
	t.Setenv("LATCH_POSTURE", "conservative")

	cfg, err := loadConfig()
	require.NoError(t, err)
	p, err := buildPolicy(context.Background(), cfg, openTestRules(t))
	require.NoError(t, err)
	assert.Equal(t, policy.PostureConservative, p.Posture())
}
