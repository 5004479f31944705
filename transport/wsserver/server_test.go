package wsserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
)

func startTestServer(t *testing.T, opts Options) (*Server, *subscription.Index, *websocket.Conn, string) {
	t.Helper()

	idx := subscription.NewIndex(nil)
	srv := New(opts, idx, nil, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The first frame is the welcome carrying the assigned connection id
	var welcome ack
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "welcome", welcome.Type)
	require.NotEmpty(t, welcome.ConnectionID)

	return srv, idx, conn, welcome.ConnectionID
}

func testServerOptions() Options {
	opts := DefaultOptions()
	opts.SendBufferSize = 4
	opts.PingInterval = time.Second
	opts.WriteTimeout = time.Second
	return opts
}

func TestServer_SubscribeRoutesToIndex(t *testing.T) {
	_, idx, conn, connID := startTestServer(t, testServerOptions())

	require.NoError(t, conn.WriteJSON(command{Action: "subscribe", Scope: "point", ID: 7}))

	var reply ack
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "ack", reply.Type)
	assert.Equal(t, uint64(7), reply.ID)

	assert.Equal(t, []string{connID}, idx.ConnectionsForPointUpdate(7))
}

func TestServer_Unsubscribe(t *testing.T) {
	_, idx, conn, connID := startTestServer(t, testServerOptions())

	require.NoError(t, conn.WriteJSON(command{Action: "subscribe", Scope: "device", ID: 3}))
	var reply ack
	require.NoError(t, conn.ReadJSON(&reply))

	idx.UpdatePointHierarchy(30, 3)
	require.Equal(t, []string{connID}, idx.ConnectionsForPointUpdate(30))

	require.NoError(t, conn.WriteJSON(command{Action: "unsubscribe", Scope: "device", ID: 3}))
	require.NoError(t, conn.ReadJSON(&reply))

	assert.Empty(t, idx.ConnectionsForPointUpdate(30))
}

func TestServer_UnknownCommandGetsError(t *testing.T) {
	_, _, conn, _ := startTestServer(t, testServerOptions())

	require.NoError(t, conn.WriteJSON(command{Action: "subscribe", Scope: "planet", ID: 1}))

	var reply ack
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}

func TestServer_MalformedFrameGetsError(t *testing.T) {
	_, _, conn, _ := startTestServer(t, testServerOptions())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var reply ack
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}

func TestServer_SendDelivers(t *testing.T) {
	srv, _, conn, connID := startTestServer(t, testServerOptions())

	payload := []byte(`{"type":"point.update"}`)
	require.NoError(t, srv.Send(connID, payload))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "point.update", msg["type"])
}

func TestServer_SendUnknownConnectionIsNoOp(t *testing.T) {
	srv, _, _, _ := startTestServer(t, testServerOptions())
	assert.NoError(t, srv.Send("not-ours", []byte("x")))
}

func TestServer_SlowClientIsDropped(t *testing.T) {
	opts := testServerOptions()
	opts.SendBufferSize = 2
	srv, idx, conn, connID := startTestServer(t, opts)

	require.NoError(t, conn.WriteJSON(command{Action: "subscribe", Scope: "point", ID: 1}))
	var reply ack
	require.NoError(t, conn.ReadJSON(&reply))

	// Stop reading and overflow the send buffer; the writer drains into the
	// socket buffers first, so keep pushing until the queue backs up
	backlog := []byte(strings.Repeat("x", 4096))
	overflowed := false
	for i := 0; i < 100000 && !overflowed; i++ {
		overflowed = srv.Send(connID, backlog) != nil
	}
	require.True(t, overflowed)

	assert.Eventually(t, func() bool {
		return srv.ConnectionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Dropping the client removed its subscriptions as well
	assert.Eventually(t, func() bool {
		return len(idx.ConnectionsForPointUpdate(1)) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_CloseRemovesSubscriptions(t *testing.T) {
	srv, idx, conn, connID := startTestServer(t, testServerOptions())

	require.NoError(t, conn.WriteJSON(command{Action: "subscribe", Scope: "group", ID: 5}))
	var reply ack
	require.NoError(t, conn.ReadJSON(&reply))

	_, ok := idx.ConnectionStatus(connID)
	require.True(t, ok)

	conn.Close()

	assert.Eventually(t, func() bool {
		_, ok := idx.ConnectionStatus(connID)
		return !ok && srv.ConnectionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
