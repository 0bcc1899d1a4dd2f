package approval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/latch/internal/cryptoutil"
	"github.com/dativo-io/latch/internal/policy"
)

func openTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.jsonl")
	s, err := Open(path, opts)
	require.NoError(t, err)
	return s, path
}

var cli = Provenance{Via: "cli"}

func TestStore_AddAndReload(t *testing.T) {
	s, path := openTestStore(t, Options{})

	rec, err := s.Add("send_message", map[string]string{"recipient": "alice"}, policy.LevelNotify, "friend", cli)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 1, rec.ApprovalCount)
	assert.True(t, rec.Active)
	require.NotNil(t, rec.GrantedAt)
	assert.Equal(t, "cli", rec.GrantedVia)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	rules := reopened.ActiveRules()
	require.Len(t, rules, 1)
	assert.Equal(t, rec.ID, rules[0].ID)
	assert.Equal(t, policy.LevelNotify, rules[0].Level)
	assert.Equal(t, "alice", rules[0].Scope["recipient"])
}

func TestStore_AddAppendsOneLine(t *testing.T) {
	s, path := openTestStore(t, Options{})
	_, err := s.Add("a", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)
	_, err = s.Add("b", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestStore_RevokeIsSoftDelete(t *testing.T) {
	s, path := openTestStore(t, Options{})
	rec, err := s.Add("send_message", nil, policy.LevelNotify, "", cli)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(rec.ID))
	assert.Empty(t, s.ActiveRules())
	all := s.All()
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
	assert.NotNil(t, all[0].RevokedAt)

	assert.ErrorIs(t, s.Revoke(rec.ID), ErrRuleNotFound)
	assert.ErrorIs(t, s.Revoke("nope"), ErrRuleNotFound)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	assert.Empty(t, reopened.ActiveRules())
	assert.Len(t, reopened.All(), 1)
}

func TestStore_Capacity(t *testing.T) {
	s, _ := openTestStore(t, Options{MaxRules: 2})
	first, err := s.Add("a", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)
	_, err = s.Add("b", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)

	_, err = s.Add("c", nil, policy.LevelFree, "", cli)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Contains(t, err.Error(), "revoke")

	require.NoError(t, s.Revoke(first.ID))
	_, err = s.Add("c", nil, policy.LevelFree, "", cli)
	assert.NoError(t, err)
}

func TestStore_IncrementApproval(t *testing.T) {
	s, path := openTestStore(t, Options{})
	scope := map[string]string{"recipient": "bob"}
	_, err := s.Add("send_message", scope, policy.LevelPropose, "", cli)
	require.NoError(t, err)

	rec, err := s.IncrementApproval("send_message", map[string]string{"recipient": "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ApprovalCount)

	_, err = s.IncrementApproval("send_message", map[string]string{"recipient": "carol"})
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = s.IncrementApproval("send_message", nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.ActiveRules()[0].ApprovalCount)
}

func TestStore_Approve(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	scope := map[string]string{"recipient": "bob"}

	rec, created, err := s.Approve("send_message", scope, policy.LevelNotify, "r", cli)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.Approve("send_message", scope, policy.LevelNotify, "r", cli)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 2, again.ApprovalCount)
	assert.Len(t, s.All(), 1)
}

func TestStore_ApproveAtNewLevelReplacesRule(t *testing.T) {
	s, path := openTestStore(t, Options{MaxRules: 1})
	scope := map[string]string{"recipient": "bob"}
	for i := 0; i < 3; i++ {
		_, _, err := s.Approve("send_message", scope, policy.LevelNotify, "", cli)
		require.NoError(t, err)
	}

	rec, created, err := s.Approve("send_message", scope, policy.LevelFree, "ratcheted", cli)
	require.NoError(t, err, "replacing a rule frees its own slot")
	assert.True(t, created)
	assert.Equal(t, policy.LevelFree, rec.Level)
	assert.Equal(t, 4, rec.ApprovalCount)

	active := s.ActiveRules()
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)
	assert.Len(t, s.All(), 2)

	reopened, err := Open(path, Options{MaxRules: 1})
	require.NoError(t, err)
	require.Len(t, reopened.ActiveRules(), 1)
	assert.Equal(t, policy.LevelFree, reopened.ActiveRules()[0].Level)
}

func TestStore_RatchetCandidates(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		_, _, err := s.Approve("send_message", map[string]string{"recipient": "bob"}, policy.LevelPropose, "", cli)
		require.NoError(t, err)
		_, _, err = s.Approve("fetch_url", nil, policy.LevelFree, "", cli)
		require.NoError(t, err)
	}
	_, _, err := s.Approve("remember", nil, policy.LevelNotify, "", cli)
	require.NoError(t, err)

	got := s.RatchetCandidates(5)
	require.Len(t, got, 1, "free rules and under-threshold rules are excluded")
	assert.Equal(t, "send_message", got[0].Action)
	assert.Equal(t, 5, got[0].ApprovalCount)
}

func TestStore_ApprovalsFor(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	for i := 0; i < 3; i++ {
		_, _, err := s.Approve("send_message", map[string]string{"recipient": "*.example.com"}, policy.LevelNotify, "", cli)
		require.NoError(t, err)
	}
	_, _, err := s.Approve("send_message", nil, policy.LevelNotify, "", cli)
	require.NoError(t, err)
	_, _, err = s.Approve("send_message", map[string]string{"recipient": "other.org"}, policy.LevelNotify, "", cli)
	require.NoError(t, err)

	assert.Equal(t, 4, s.ApprovalsFor("send_message", map[string]string{"recipient": "a.example.com"}))
	assert.Equal(t, 2, s.ApprovalsFor("send_message", map[string]string{"recipient": "other.org"}))
	assert.Equal(t, 0, s.ApprovalsFor("remember", nil))
}

func TestStore_CorruptLinesSkipped(t *testing.T) {
	s, path := openTestStore(t, Options{})
	_, err := s.Add("a", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"id\":\"x\",\"action\":\"b\",\"level\":\"sometimes\"}\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Add("c", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	rules := reopened.ActiveRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Action)
	assert.Equal(t, "c", rules[1].Action)
}

func TestStore_Encrypted(t *testing.T) {
	sealer, err := cryptoutil.NewSealer("ledger passphrase", cryptoutil.MinIterations)
	require.NoError(t, err)
	s, path := openTestStore(t, Options{Sealer: sealer})

	_, err = s.Add("send_message", map[string]string{"recipient": "alice"}, policy.LevelNotify, "secret-ish", cli)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, cryptoutil.IsEnvelope(data))
	assert.NotContains(t, string(data), "alice")

	reopened, err := Open(path, Options{Sealer: sealer})
	require.NoError(t, err)
	assert.Len(t, reopened.ActiveRules(), 1)

	wrong, err := cryptoutil.NewSealer("wrong", cryptoutil.MinIterations)
	require.NoError(t, err)
	_, err = Open(path, Options{Sealer: wrong})
	assert.ErrorIs(t, err, cryptoutil.ErrDecrypt)
}

func TestStore_EncryptedRejectsPlaintextFile(t *testing.T) {
	s, path := openTestStore(t, Options{})
	_, err := s.Add("a", nil, policy.LevelFree, "", cli)
	require.NoError(t, err)

	sealer, err := cryptoutil.NewSealer("pw", cryptoutil.MinIterations)
	require.NoError(t, err)
	_, err = Open(path, Options{Sealer: sealer})
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestStore_RulesFeedPolicy(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	_, err := s.Add("send_message", map[string]string{"recipient": "alice"}, policy.LevelNotify, "friend", cli)
	require.NoError(t, err)

	p := policy.New(policy.PostureBalanced, policy.BuiltinRules(), s.ActiveRules(), nil)
	assert.Equal(t, policy.LevelNotify, p.Evaluate("send_message", map[string]string{"recipient": "alice"}).Level)
	assert.Equal(t, policy.LevelPropose, p.Evaluate("send_message", map[string]string{"recipient": "mallory"}).Level)
}
