package respd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatchArrayCommand(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n")
	cmds, consumed, err := ParseBatch(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	require.Len(t, cmds, 1)
	assert.Equal(t, "ECHO", cmds[0].Name)
	assert.Equal(t, []string{"hi"}, cmds[0].Args)
}

func TestParseBatchInlineFallback(t *testing.T) {
	buf := []byte("PING\r\n")
	cmds, consumed, err := ParseBatch(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	require.Len(t, cmds, 1)
	assert.Equal(t, "PING", cmds[0].Name)
}

func TestParseBatchIncompleteReturnsRemainder(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nECHO\r\n$2\r\nh")
	cmds, consumed, err := ParseBatch(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Empty(t, cmds)
	assert.Equal(t, 0, consumed)
}

func TestParseBatchCapsAt25Commands(t *testing.T) {
	var buf []byte
	for i := 0; i < 26; i++ {
		buf = append(buf, []byte("*1\r\n$4\r\nPING\r\n")...)
	}
	cmds, _, err := ParseBatch(buf)
	assert.ErrorIs(t, err, ErrTooManyCommands)
	assert.Len(t, cmds, 25)
}

func TestBuildCommandDropsMissingArgsSilently(t *testing.T) {
	buf := []byte("*1\r\n$3\r\nGET\r\n")
	cmds, consumed, err := ParseBatch(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Empty(t, cmds)
}

func TestBuildCommandNormalizesName(t *testing.T) {
	buf := []byte("*1\r\n$4\r\nping\r\n")
	cmds, _, err := ParseBatch(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "PING", cmds[0].Name)
}
