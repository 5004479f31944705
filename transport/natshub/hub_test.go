package natshub

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
)

func testHub(t *testing.T) (*Hub, *subscription.Index) {
	t.Helper()
	idx := subscription.NewIndex(nil)
	return New(DefaultOptions(), idx, nil, nil), idx
}

func applyJSON(t *testing.T, hub *Hub, frame string) reply {
	t.Helper()
	var r reply
	require.NoError(t, json.Unmarshal(hub.applyCommand([]byte(frame)), &r))
	return r
}

func TestHub_CommandSubscribeRoutesToIndex(t *testing.T) {
	hub, idx := testHub(t)

	r := applyJSON(t, hub,
		`{"action":"subscribe","scope":"point","id":7,"connection_id":"nats-1"}`)
	assert.Equal(t, "ack", r.Type)
	assert.Equal(t, uint64(7), r.ID)

	assert.Equal(t, []string{"nats-1"}, idx.ConnectionsForPointUpdate(7))
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestHub_CommandUnsubscribe(t *testing.T) {
	hub, idx := testHub(t)

	applyJSON(t, hub, `{"action":"subscribe","scope":"device","id":3,"connection_id":"nats-1"}`)
	idx.UpdatePointHierarchy(30, 3)
	require.Equal(t, []string{"nats-1"}, idx.ConnectionsForPointUpdate(30))

	r := applyJSON(t, hub,
		`{"action":"unsubscribe","scope":"device","id":3,"connection_id":"nats-1"}`)
	assert.Equal(t, "ack", r.Type)
	assert.Empty(t, idx.ConnectionsForPointUpdate(30))
}

func TestHub_CommandDisconnect(t *testing.T) {
	hub, idx := testHub(t)

	applyJSON(t, hub, `{"action":"subscribe","scope":"point","id":1,"connection_id":"nats-1"}`)
	require.Equal(t, 1, hub.ConnectionCount())

	r := applyJSON(t, hub, `{"action":"disconnect","connection_id":"nats-1"}`)
	assert.Equal(t, "ack", r.Type)
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.Empty(t, idx.ConnectionsForPointUpdate(1))
}

func TestHub_CommandValidation(t *testing.T) {
	hub, _ := testHub(t)

	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{"malformed", `not json`, "malformed command"},
		{"missing connection id", `{"action":"subscribe","scope":"point","id":1}`, "connection_id required"},
		{"unknown scope", `{"action":"subscribe","scope":"planet","id":1,"connection_id":"c"}`, "unknown action or scope"},
		{"unknown action", `{"action":"peek","scope":"point","id":1,"connection_id":"c"}`, "unknown action or scope"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := applyJSON(t, hub, test.frame)
			assert.Equal(t, "error", r.Type)
			assert.Equal(t, test.wantErr, r.Error)
		})
	}

	assert.Equal(t, 0, hub.ConnectionCount(), "rejected commands must not register connections")
}

func TestHub_SendWhenStopped(t *testing.T) {
	hub, _ := testHub(t)
	err := hub.Send("nats-1", []byte(`{"type":"point.update"}`))
	assert.Error(t, err)
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub, _ := testHub(t)

	for i := 0; i < 3; i++ {
		hub.RegisterConnection(fmt.Sprintf("nats-%d", i))
	}
	assert.Equal(t, 3, hub.ConnectionCount())

	hub.UnregisterConnection("nats-1")
	assert.Equal(t, 2, hub.ConnectionCount())
}
