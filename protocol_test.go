package skiff

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	body := Doc{
		"db":      AdminDB,
		"command": map[string]interface{}{"isMaster": 1},
	}
	require.NoError(t, writePacket(w, OpCommand, 42, body))

	resp, err := readResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpCommand, resp.Code)
	assert.Equal(t, uint32(42), resp.Sync)
	assert.Equal(t, AdminDB, resp.Body.Str("db"))
	n, ok := resp.Body.Doc("command").Num("isMaster")
	require.True(t, ok)
	assert.Equal(t, 1.0, n)
}

func TestPacketNilBody(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	require.NoError(t, writePacket(w, OpKillCursors, 7, nil))

	resp, err := readResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpKillCursors, resp.Code)
	assert.Equal(t, uint32(7), resp.Sync)
	assert.Empty(t, resp.Body)
}

func TestReadResponseBadMarker(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03, 0x04}

	_, err := readResponse(bytes.NewReader(data))
	var clierr ClientError
	require.ErrorAs(t, err, &clierr)
	assert.Equal(t, uint32(ErrProtocolError), clierr.Code)
}

func TestServerError(t *testing.T) {
	assert.NoError(t, serverError(Doc{"ok": 1}))

	err := serverError(Doc{"ok": 0, "code": ErrNotPrimary, "errmsg": "not primary"})
	var srverr Error
	require.ErrorAs(t, err, &srverr)
	assert.Equal(t, uint32(ErrNotPrimary), srverr.Code)
	assert.Equal(t, "not primary", srverr.Msg)

	err = serverError(Doc{"ok": 0})
	require.ErrorAs(t, err, &srverr)
	assert.Equal(t, "command failed", srverr.Msg)
}

func TestScramblePassword(t *testing.T) {
	s1 := scramblePassword("salt-one", "hunter2")
	s2 := scramblePassword("salt-one", "hunter2")
	assert.Equal(t, s1, s2, "scramble is deterministic")
	assert.Len(t, s1, 20)

	assert.NotEqual(t, s1, scramblePassword("salt-two", "hunter2"))
	assert.NotEqual(t, s1, scramblePassword("salt-one", "hunter3"))
	assert.NotContains(t, string(s1), "hunter2")
}

func TestClientErrorTemporary(t *testing.T) {
	assert.True(t, ClientError{Code: ErrConnectionNotReady}.Temporary())
	assert.True(t, ClientError{Code: ErrTimeouted}.Temporary())
	assert.False(t, ClientError{Code: ErrProtocolError}.Temporary())
	assert.False(t, ClientError{Code: ErrConnectionClosed}.Temporary())
}
