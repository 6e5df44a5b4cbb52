package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError(t *testing.T) {
	base := errors.New("disk on fire")
	err := WrapExitError(ExitCommandError, "open database", base)

	assert.Equal(t, "open database: disk on fire", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	// Wrapping preserves the code through error chains.
	wrapped := fmt.Errorf("run: %w", err)
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))

	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestOutputFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.PrintJSON(map[string]int{"covalues": 3}))
	assert.Equal(t, "{\n  \"covalues\": 3\n}\n", buf.String())

	buf.Reset()
	f.Printf("stored %d\n", 3)
	assert.Equal(t, "stored 3\n", buf.String())
}

func TestRootCommandRejectsBadFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "keygen", "--out", t.TempDir() + "/id.yaml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestKeygenWritesIdentity(t *testing.T) {
	out := t.TempDir() + "/id.yaml"
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"keygen", "--out", out})
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())

	agent, err := ReadIdentity(out)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), string(agent.ID()))
}