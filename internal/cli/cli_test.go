package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/auth"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FISHKEEPER_LOCAL_BACKEND", "sqlite")
	t.Setenv("FISHKEEPER_DB_PATH", filepath.Join(t.TempDir(), "fk.db"))
	t.Setenv("FISHKEEPER_REMOTE_BACKEND", "memory")
	t.Setenv("FISHKEEPER_APP_SECRET", "pepper")
	t.Setenv("FISHKEEPER_AUTH_SECRET", "signing-secret")
	t.Setenv("FISHKEEPER_LOG_LEVEL", "error")
	t.Setenv("FISHKEEPER_ID_TOKEN", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := Command()
	cmd.Writer = &out
	cmd.ErrWriter = &errOut
	err := cmd.Run(context.Background(), append([]string{"fishkeeper"}, args...))
	return out.String(), err
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, userID+"@example.com", []byte("signing-secret"), time.Hour)
	require.NoError(t, err)
	return tok
}

func TestStatusCommand(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "queue length:       0")
	assert.Contains(t, out, "remote:             reachable")
	assert.Contains(t, out, "last sync:          never")
}

func TestMigrateCommand(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "migrate")
	require.ErrorIs(t, err, common.ErrNoIdentity)

	out, err := run(t, "--token", token(t, "u1"), "migrate", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "migration:          all done")
	assert.Contains(t, out, "trips")
}

func TestSyncAndRepairCommands(t *testing.T) {
	setupEnv(t)
	tok := token(t, "u1")

	out, err := run(t, "--token", tok, "sync", "--pull")
	require.NoError(t, err)
	assert.Contains(t, out, "pulled 0 trips")

	out, err = run(t, "--token", tok, "repair")
	require.NoError(t, err)
	assert.Contains(t, out, "permanent failures: 0")
}

func TestBadToken(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "--token", "garbage", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign-in failed")
}

func TestGuestCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "guest", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no guest sessions")

	out, err = run(t, "guest", "purge", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 guest session(s)")
}

func TestGetSecret(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })

	var w bytes.Buffer

	readPassword = func(int) ([]byte, error) { return []byte("pepper"), nil }
	s, err := GetSecret(&w, "Application secret")
	require.NoError(t, err)
	assert.Equal(t, "pepper", string(s))
	assert.Contains(t, w.String(), "Application secret: ")

	readPassword = func(int) ([]byte, error) { return nil, nil }
	_, err = GetSecret(&w, "Application secret")
	require.Error(t, err)

	readPassword = func(int) ([]byte, error) { return nil, errors.New("not a terminal") }
	_, err = GetSecret(&w, "Application secret")
	require.Error(t, err)
}

func TestPromptSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("FISHKEEPER_APP_SECRET", "")

	orig := readPassword
	t.Cleanup(func() { readPassword = orig })
	called := false
	readPassword = func(int) ([]byte, error) {
		called = true
		return []byte("pepper"), nil
	}

	_, err := run(t, "--prompt-secret", "status")
	require.NoError(t, err)
	assert.True(t, called)
}

func TestNewLogger(t *testing.T) {
	var w bytes.Buffer
	l, err := newLogger("debug", &w)
	require.NoError(t, err)
	l.Info(context.Background(), "hello", "k", "v")
	assert.Contains(t, w.String(), "hello")

	_, err = newLogger("chatty", &w)
	require.Error(t, err)
}
