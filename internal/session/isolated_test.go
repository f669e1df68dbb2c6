package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateInput_PlainTextIsOneLiteralRun(t *testing.T) {
	ops := translateInput("echo hello")
	require.Len(t, ops, 1)
	assert.Equal(t, "echo hello", ops[0].text)
	assert.Empty(t, ops[0].key)
}

func TestTranslateInput_CarriageReturnBecomesEnter(t *testing.T) {
	ops := translateInput("ls\r")
	require.Len(t, ops, 2)
	assert.Equal(t, "ls", ops[0].text)
	assert.Equal(t, "Enter", ops[1].key)
}

func TestTranslateInput_ArrowSequencesWinOverBareEscape(t *testing.T) {
	ops := translateInput("\x1b[A")
	require.Len(t, ops, 1)
	assert.Equal(t, "Up", ops[0].key)

	ops = translateInput("\x1b")
	require.Len(t, ops, 1)
	assert.Equal(t, "Escape", ops[0].key)
}

func TestTranslateInput_ControlCharacters(t *testing.T) {
	ops := translateInput("\x03")
	require.Len(t, ops, 1)
	assert.Equal(t, "C-c", ops[0].key)

	ops = translateInput("\x7f")
	require.Len(t, ops, 1)
	assert.Equal(t, "BSpace", ops[0].key)
}

func TestTranslateInput_ControlRangeBoundaries(t *testing.T) {
	ops := translateInput("\x01")
	require.Len(t, ops, 1)
	assert.Equal(t, "C-a", ops[0].key)

	ops = translateInput("\x1a")
	require.Len(t, ops, 1)
	assert.Equal(t, "C-z", ops[0].key)
}

func TestTranslateInput_UnmappedControlBytesDropped(t *testing.T) {
	// 0x00 and 0x1c-0x1f are past C-z and have no tmux key name.
	assert.Empty(t, translateInput("\x00\x1c\x1d\x1e\x1f"))

	ops := translateInput("a\x1cb")
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].text)
	assert.Equal(t, "b", ops[1].text)
}

func TestTranslateInput_MixedRunsAndKeys(t *testing.T) {
	ops := translateInput("cd /tmp\tls\r")
	require.Len(t, ops, 4)
	assert.Equal(t, "cd /tmp", ops[0].text)
	assert.Equal(t, "Tab", ops[1].key)
	assert.Equal(t, "ls", ops[2].text)
	assert.Equal(t, "Enter", ops[3].key)
}

func TestTranslateInput_PagingKeys(t *testing.T) {
	ops := translateInput("\x1b[5~\x1b[6~")
	require.Len(t, ops, 2)
	assert.Equal(t, "PPage", ops[0].key)
	assert.Equal(t, "NPage", ops[1].key)
}
