package replicaset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skiff "github.com/skiffdb/go-skiff"
)

func newTestClient(t *testing.T, set string, probes map[string]*stubConn, users *recordingDialer) *Client {
	t.Helper()
	return NewClient(set, []skiff.HostAddress{testAddrs.a}, ClientOpts{
		MonitorOpts: MonitorOpts{Dial: dialFrom(probes)},
		Dial:        users.dial,
	})
}

func threeMemberProbes() map[string]*stubConn {
	return map[string]*stubConn{
		"a:1": {addr: "a:1", isPrimary: true, hosts: []string{"a:1", "b:1", "c:1"}},
		"b:1": {addr: "b:1"},
		"c:1": {addr: "c:1"},
	}
}

func TestClientWritesGoToPrimary(t *testing.T) {
	users := newRecordingDialer()
	c := newTestClient(t, "client0", threeMemberProbes(), users)

	require.NoError(t, c.Insert("app.users", skiff.Doc{"name": "ada"}))
	require.NoError(t, c.InsertMany("app.users", []skiff.Doc{{"name": "brad"}, {"name": "eve"}}))
	require.NoError(t, c.Update("app.users", skiff.Doc{"name": "ada"}, skiff.Doc{"age": 36}, 0))
	require.NoError(t, c.Remove("app.users", skiff.Doc{"name": "eve"}, skiff.DeleteSingle))
	require.NoError(t, c.KillCursors(7))

	primaries := users.conns("a:1")
	require.Len(t, primaries, 1, "one user connection serves every write")
	assert.Equal(t, []string{
		"insert:app.users",
		"insertMany:app.users/2",
		"update:app.users",
		"remove:app.users",
		"killCursors:1",
	}, primaries[0].opLog())

	assert.Empty(t, users.conns("b:1"))
	assert.Empty(t, users.conns("c:1"))
}

func TestClientPrimaryFailoverReplaysCredentials(t *testing.T) {
	probes := map[string]*stubConn{
		"a:1": {addr: "a:1", isPrimary: true, hosts: []string{"a:1", "b:1"}},
		"b:1": {addr: "b:1"},
	}
	users := newRecordingDialer()
	c := newTestClient(t, "client1", probes, users)

	require.NoError(t, c.Auth("app", "bob", "hunter2", true))
	require.NoError(t, c.Insert("app.users", skiff.Doc{"name": "ada"}))

	// the set elects b while the cached connection to a dies
	users.conns("a:1")[0].setFailed(true)
	probes["a:1"].setPrimary(false, "b:1")
	probes["b:1"].setPrimary(true, "")

	require.NoError(t, c.Insert("app.users", skiff.Doc{"name": "brad"}))

	replacements := users.conns("b:1")
	require.Len(t, replacements, 1)
	assert.Equal(t, []string{"auth:app/bob", "insert:app.users"}, replacements[0].opLog(),
		"credentials replay before the first user operation")

	primary, err := c.monitor.Primary()
	require.NoError(t, err)
	assert.Equal(t, testAddrs.b, primary)
}

func TestClientReusesHealthyPrimary(t *testing.T) {
	users := newRecordingDialer()
	c := newTestClient(t, "client2", threeMemberProbes(), users)

	require.True(t, c.Connect())
	require.NoError(t, c.Insert("app.users", skiff.Doc{"name": "ada"}))
	require.NoError(t, c.Insert("app.users", skiff.Doc{"name": "brad"}))

	assert.Len(t, users.conns("a:1"), 1)
}

func TestClientSecondaryReads(t *testing.T) {
	users := newRecordingDialer()
	c := newTestClient(t, "client3", threeMemberProbes(), users)

	// settle the primary so secondary selection can exclude it
	_, err := c.Monitor().Primary()
	require.NoError(t, err)

	docs, _, err := c.Query("app.users", nil, nil, 0, 0, skiff.QuerySecondaryOK)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	served := docs[0].Str("served_by")
	assert.Contains(t, []string{"b:1", "c:1"}, served, "slave-ok read served by a secondary")
	assert.Empty(t, users.conns("a:1"))

	// the healthy secondary connection is reused
	_, _, err = c.Query("app.users", nil, nil, 0, 0, skiff.QuerySecondaryOK)
	require.NoError(t, err)
	assert.Len(t, users.conns(served), 1)
}

func TestClientReadsWithoutFlagUsePrimary(t *testing.T) {
	users := newRecordingDialer()
	c := newTestClient(t, "client4", threeMemberProbes(), users)

	docs, _, err := c.Query("app.users", nil, nil, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "a:1", docs[0].Str("served_by"))
	assert.Empty(t, users.conns("b:1"))
	assert.Empty(t, users.conns("c:1"))
}

func TestClientSecondaryFallbackToPrimary(t *testing.T) {
	users := newRecordingDialer()
	users.script["b:1"] = func(conn *stubConn) { conn.queryErr = errors.New("member is recovering") }
	users.script["c:1"] = func(conn *stubConn) { conn.queryErr = errors.New("member is recovering") }
	c := newTestClient(t, "client5", threeMemberProbes(), users)

	_, err := c.Monitor().Primary()
	require.NoError(t, err)

	docs, _, err := c.Query("app.users", nil, nil, 0, 0, skiff.QuerySecondaryOK)
	require.NoError(t, err)
	assert.Equal(t, "a:1", docs[0].Str("served_by"), "read fell through to the primary")

	secondaryTries := users.conns("b:1")
	secondaryTries = append(secondaryTries, users.conns("c:1")...)
	total := 0
	for _, conn := range secondaryTries {
		total += conn.queryCount()
	}
	assert.Equal(t, 2, total, "two secondaries were tried before the primary")
}

func TestClientFindOneSecondaryFallback(t *testing.T) {
	users := newRecordingDialer()
	users.script["b:1"] = func(conn *stubConn) { conn.queryErr = errors.New("boom") }
	users.script["c:1"] = func(conn *stubConn) { conn.queryErr = errors.New("boom") }
	c := newTestClient(t, "client6", threeMemberProbes(), users)

	_, err := c.Monitor().Primary()
	require.NoError(t, err)

	doc, err := c.FindOne("app.users", skiff.Doc{"name": "ada"}, nil, skiff.QuerySecondaryOK)
	require.NoError(t, err)
	assert.Equal(t, "a:1", doc.Str("served_by"))
}

func TestClientCallRoutesBySecondaryOKFlag(t *testing.T) {
	users := newRecordingDialer()
	c := newTestClient(t, "client7", threeMemberProbes(), users)

	_, err := c.Monitor().Primary()
	require.NoError(t, err)

	_, err = c.Call(skiff.OpQuery, skiff.Doc{"ns": "app.users", "flags": skiff.QuerySecondaryOK})
	require.NoError(t, err)
	assert.Empty(t, users.conns("a:1"), "flagged call avoids the primary")

	_, err = c.Call(skiff.OpInsert, skiff.Doc{"ns": "app.users"})
	require.NoError(t, err)
	assert.Len(t, users.conns("a:1"), 1, "writes go to the primary")
}

func TestClientAuthCachedOnlyOnSuccess(t *testing.T) {
	users := newRecordingDialer()
	users.script["a:1"] = func(conn *stubConn) { conn.authErr = errors.New("bad credentials") }
	c := newTestClient(t, "client8", threeMemberProbes(), users)

	require.Error(t, c.Auth("app", "mallory", "guess", true))
	assert.Empty(t, c.auths)

	users.mu.Lock()
	delete(users.script, "a:1")
	users.mu.Unlock()

	// replace the primary connection so the next auth hits a fresh one
	users.conns("a:1")[0].setFailed(true)
	require.NoError(t, c.Auth("app", "bob", "hunter2", true))
	require.Len(t, c.auths, 1)
	assert.Equal(t, "bob", c.auths[0].user)
}

func TestClientConnectNoPrimary(t *testing.T) {
	probes := map[string]*stubConn{
		"a:1": {addr: "a:1", hosts: []string{"a:1", "b:1"}},
		"b:1": {addr: "b:1"},
	}
	users := newRecordingDialer()
	c := newTestClient(t, "client9", probes, users)

	assert.False(t, c.Connect())
	assert.Empty(t, users.dials(), "no user connection without a primary")
}

func TestClientClose(t *testing.T) {
	users := newRecordingDialer()
	c := newTestClient(t, "client10", threeMemberProbes(), users)

	require.NoError(t, c.Insert("app.users", skiff.Doc{"name": "ada"}))
	_, _, err := c.Query("app.users", nil, nil, 0, 0, skiff.QuerySecondaryOK)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	for _, addr := range []string{"a:1", "b:1", "c:1"} {
		for _, conn := range users.conns(addr) {
			assert.True(t, conn.IsFailed(), "user connection %s left open", addr)
		}
	}
}
