package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	for _, text := range []string{
		"hello there",
		"what is 2+2",
		"path is /usr/bin", // slash not at the start
		"",
	} {
		_, isCmd, err := Parse(text)
		require.NoError(t, err, text)
		assert.False(t, isCmd, text)
	}
}

func TestParseBareCommands(t *testing.T) {
	for _, name := range []string{
		"help", "status", "reset", "more", "memory", "forget", "export",
		"usage", "pins", "reminders", "crons", "pending", "audit",
		"export-config",
	} {
		cmd, isCmd, err := Parse("/" + name)
		require.NoError(t, err, name)
		require.True(t, isCmd, name)
		assert.Equal(t, name, cmd.Name)
	}
}

func TestParseMemory(t *testing.T) {
	cmd, isCmd, err := Parse("/memory")
	require.NoError(t, err)
	require.True(t, isCmd)
	assert.Empty(t, cmd.Text)

	cmd, isCmd, err = Parse("/memory lives in Lisbon")
	require.NoError(t, err)
	require.True(t, isCmd)
	assert.Equal(t, "lives in Lisbon", cmd.Text)
}

func TestParseCaseInsensitiveFirstToken(t *testing.T) {
	cmd, isCmd, err := Parse("/STATUS")
	require.NoError(t, err)
	require.True(t, isCmd)
	assert.Equal(t, "status", cmd.Name)

	cmd, _, err = Parse("/Model OPUS")
	require.NoError(t, err)
	// Only the command token is lowercased; arguments pass through.
	assert.Equal(t, "OPUS", cmd.Model)
}

func TestParseRemind(t *testing.T) {
	cmd, isCmd, err := Parse("/remind 5m Check oven")
	require.NoError(t, err)
	require.True(t, isCmd)
	assert.Equal(t, 5*time.Minute, cmd.Duration)
	assert.Equal(t, "Check oven", cmd.Text)

	_, _, err = Parse("/remind 5m")
	assert.ErrorIs(t, err, ErrUsage)
	_, _, err = Parse("/remind soon Check oven")
	assert.ErrorIs(t, err, ErrUsage)
	_, _, err = Parse("/remind -5m Check oven")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseCron(t *testing.T) {
	cmd, _, err := Parse("/cron 0 8 * * 1-5 Morning brief")
	require.NoError(t, err)
	assert.Equal(t, "0 8 * * 1-5", cmd.Spec)
	assert.Equal(t, "Morning brief", cmd.Text)

	_, _, err = Parse("/cron 0 8 * * *") // schedule but no message
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseEveryAndDaily(t *testing.T) {
	cmd, _, err := Parse("/every 2h Stretch your legs")
	require.NoError(t, err)
	assert.Equal(t, "every 2h", cmd.Spec)
	assert.Equal(t, "Stretch your legs", cmd.Text)

	cmd, _, err = Parse("/daily 08:30 Standup in 15")
	require.NoError(t, err)
	assert.Equal(t, "daily 08:30", cmd.Spec)
	assert.Equal(t, "Standup in 15", cmd.Text)

	_, _, err = Parse("/every 2h")
	assert.ErrorIs(t, err, ErrUsage)
	_, _, err = Parse("/daily Standup")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseIDCommands(t *testing.T) {
	for _, name := range []string{"cancel", "cron-cancel", "cron-pause", "cron-resume"} {
		cmd, _, err := Parse("/" + name + " 42")
		require.NoError(t, err, name)
		assert.Equal(t, int64(42), cmd.ID, name)

		_, _, err = Parse("/" + name + " abc")
		assert.ErrorIs(t, err, ErrUsage, name)
		_, _, err = Parse("/" + name)
		assert.ErrorIs(t, err, ErrUsage, name)
	}
}

func TestParseAdminCommands(t *testing.T) {
	cmd, _, err := Parse("/allow @alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", cmd.TargetID)
	assert.True(t, AdminOnly(cmd.Name))

	cmd, _, err = Parse("/revoke @alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", cmd.TargetID)

	assert.True(t, AdminOnly("pending"))
	assert.True(t, AdminOnly("audit"))
	assert.True(t, AdminOnly("export-config"))
	assert.False(t, AdminOnly("status"))
	assert.False(t, AdminOnly("remind"))
}

func TestParseUnknownCommand(t *testing.T) {
	_, isCmd, err := Parse("/fly to the moon")
	assert.True(t, isCmd)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestParseSearchAndPins(t *testing.T) {
	cmd, _, err := Parse("/search goroutine leaks")
	require.NoError(t, err)
	assert.Equal(t, "goroutine leaks", cmd.Query)

	cmd, _, err = Parse("/pin design-notes")
	require.NoError(t, err)
	assert.Equal(t, "design-notes", cmd.Label)

	_, _, err = Parse("/pin two words")
	assert.ErrorIs(t, err, ErrUsage)
	_, _, err = Parse("/recall")
	assert.ErrorIs(t, err, ErrUsage)
}
