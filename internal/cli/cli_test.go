package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/taskflow/internal/domain"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := NewRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"chat", "catalog", "prefs"})
	require.NotNil(t, root.PersistentFlags().Lookup("locale"))
	assert.Equal(t, "l", root.PersistentFlags().Lookup("locale").Shorthand)
}

func TestCatalogCommand(t *testing.T) {
	out, err := execute(t, "", "catalog", "--locale", "en")
	require.NoError(t, err)
	assert.Contains(t, out, "social_post")
	assert.Contains(t, out, "invoice")
	assert.Contains(t, out, "content.social_post -> image.generate")
	assert.Contains(t, out, "write a post about coffee")
}

func TestChatCompletesTask(t *testing.T) {
	db := filepath.Join(t.TempDir(), "taskflow.db")
	script := strings.Join([]string{
		"stwórz post o kawie",
		"1", // use defaults
		"tak",
		"/quit",
	}, "\n")

	out, err := execute(t, script, "chat", "--db", db, "--tenant", "cli-test", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "session s1")
	assert.Contains(t, out, "Użyj domyślnych")
	assert.Contains(t, out, "dispatched content.social_post")
	assert.Contains(t, out, "100%")

	out, err = execute(t, "", "prefs", "--db", db, "--tenant", "cli-test", "--json")
	require.NoError(t, err)
	var snap domain.PreferenceSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.EqualValues(t, 1, snap.TotalCompletedTasks)
	assert.Equal(t, "instagram", snap.Preferred["platform"])
}

func TestChatResetAndEOF(t *testing.T) {
	out, err := execute(t, "stwórz post o kawie\n/reset\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "session reset")
}

func TestPrefsHumanOutput(t *testing.T) {
	db := filepath.Join(t.TempDir(), "taskflow.db")
	out, err := execute(t, "", "prefs", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Preferences of local")
	assert.Contains(t, out, "completed tasks: 0")
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "", "chat", "--log-level", "loud")
	assert.Error(t, err)
}

func TestBar(t *testing.T) {
	assert.Equal(t, "["+strings.Repeat(".", progressWidth)+"]", bar(0))
	assert.Equal(t, "["+strings.Repeat("#", progressWidth)+"]", bar(100))
	assert.Equal(t, "["+strings.Repeat("#", progressWidth)+"]", bar(250))
	assert.Equal(t, "["+strings.Repeat("#", 10)+strings.Repeat(".", 10)+"]", bar(50))
}

