package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text string
		name string
		args string
		ok   bool
	}{
		{"/exec ls -la", "exec", "ls -la", true},
		{"/screen@tmuxgram_bot 3", "screen", "3", true},
		{"/ctrl+c", "ctrl", "+c", true},
		{"/HELP", "help", "", true},
		{"/exec  echo  two  spaces ", "exec", "echo  two  spaces ", true},
		{"/exec line1\nline2", "exec", "line1\nline2", true},
		{"ls", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		cmd, ok := parseCommand(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.name, cmd.name, tc.text)
		assert.Equal(t, tc.args, cmd.args, tc.text)
	}
}

func TestParseModifierKey(t *testing.T) {
	assert.Equal(t, "c", parseModifierKey("+ c"))
	assert.Equal(t, "c", parseModifierKey("C"))
	assert.Equal(t, "c", parseModifierKey("+c"))
	assert.Equal(t, "", parseModifierKey(""))
	assert.Equal(t, "", parseModifierKey(" + "))
}

func TestExpandCustom(t *testing.T) {
	assert.Equal(t, "git log -n 5 --oneline", expandCustom("git log -n $args --oneline", "5"))
	assert.Equal(t, "echo a a", expandCustom("echo $args $args", "a"))
	assert.Equal(t, "git status", expandCustom("git status", ""))
	assert.Equal(t, "make test", expandCustom("make", "test"))
}

func TestParsePages(t *testing.T) {
	assert.Equal(t, 1, parsePages("", 10))
	assert.Equal(t, 3, parsePages("3", 10))
	assert.Equal(t, 2, parsePages("1.6", 10))
	assert.Equal(t, 1, parsePages("-4", 10))
	assert.Equal(t, 1, parsePages("many", 10))
	assert.Equal(t, 10, parsePages("1e300", 10))
	assert.Equal(t, 1, parsePages("NaN", 10))
}
