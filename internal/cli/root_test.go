package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`log:
  level: error
database:
  driver: sqlite
  path: %s
imap:
  host: 127.0.0.1
  port: 1
sync:
  provider_timeout: 1s
`, filepath.Join(dir, "test.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "smart-mail-reply", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "migrate", "register", "subscribe", "notify", "token"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "", "migrate", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMigrate(t *testing.T) {
	out, err := execute(t, "", "migrate", "-c", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Schema up to date (sqlite)")
}

func TestRegister(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "", "register", "-c", cfg, "--format", "json",
		"--email", "Me@Example.org", "--provider", "imap", "--imap-password", "secret")
	require.NoError(t, err)

	var user struct {
		ID       uint   `json:"id"`
		Email    string `json:"email"`
		Provider string `json:"provider"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &user))
	assert.NotZero(t, user.ID)
	assert.Equal(t, "me@example.org", user.Email)
	assert.Equal(t, "imap", user.Provider)
	assert.NotContains(t, out, "secret")

	_, err = execute(t, "", "register", "-c", cfg,
		"--email", "me@example.org", "--provider", "imap", "--imap-password", "other")
	assert.Error(t, err, "duplicate address")
}

func TestRegisterValidation(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing email", []string{"--refresh-token", "tok"}, `required flag(s) "email" not set`},
		{"unknown provider", []string{"--email", "a@b.c", "--provider", "pop3"}, "unknown provider"},
		{"gmail with password", []string{"--email", "a@b.c", "--imap-password", "pw"}, "only valid with --provider imap"},
		{"imap with token", []string{"--email", "a@b.c", "--provider", "imap", "--refresh-token", "tok"}, "only valid with --provider gmail"},
		{"no credentials", []string{"--email", "a@b.c"}, "need credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"register", "-c", cfg}, tt.args...)
			_, err := execute(t, "", args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNotifyUnknownAddress(t *testing.T) {
	out, err := execute(t, "", "notify", "-c", writeConfig(t), "nobody@example.com", "42")
	require.Error(t, err)
	assert.Contains(t, out, "Outcome: dropped")
}

func TestNotifyInvalidOffset(t *testing.T) {
	_, err := execute(t, "", "notify", "-c", writeConfig(t), "me@example.com", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid offset")

	_, err = execute(t, "", "notify", "me@example.com")
	assert.Error(t, err)
}

func TestSubscribeUnknownUser(t *testing.T) {
	_, err := execute(t, "", "subscribe", "-c", writeConfig(t), "nobody@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find user")
}

func TestSubscribeUnreachableMailbox(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "", "register", "-c", cfg,
		"--email", "me@example.org", "--provider", "imap", "--imap-password", "secret")
	require.NoError(t, err)

	_, err = execute(t, "", "subscribe", "-c", cfg, "me@example.org")
	assert.Error(t, err)
}

func TestTokenRequiresGoogleClient(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")

	_, err := execute(t, "code\n", "token", "-c", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google.client_id")
}
