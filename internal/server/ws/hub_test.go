package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "Serve"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_StatusThenEvents(t *testing.T) {
	hub, conn := startHub(t)

	status := readJSON(t, conn)
	assert.Equal(t, "ledger_status", status["type"])
	assert.Equal(t, "serve", status["payload"].(map[string]any)["mode"])

	hub.Broadcast(domain.EventChannel(domain.EventTransferSingle), []byte(`{"seq":7,"type":"TransferSingle"}`))
	ev := readJSON(t, conn)
	assert.Equal(t, float64(7), ev["seq"])
}

func TestHub_Unsubscribe(t *testing.T) {
	hub, conn := startHub(t)
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.EventChannelPattern}}))
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{domain.EventChannel(domain.EventPositionSplit)}}))
	// Let the read pump apply both changes.
	time.Sleep(100 * time.Millisecond)

	hub.Broadcast(domain.EventChannel(domain.EventTransferSingle), []byte(`{"seq":1}`))
	hub.Broadcast(domain.EventChannel(domain.EventPositionSplit), []byte(`{"seq":2}`))

	ev := readJSON(t, conn)
	assert.Equal(t, float64(2), ev["seq"], "transfer event should have been filtered")
}

func TestEventChannel(t *testing.T) {
	ch, ok := eventChannel([]byte(`{"seq":3,"type":"PayoutRedemption","payload":{}}`))
	require.True(t, ok)
	assert.Equal(t, "ch:ledger:PayoutRedemption", ch)

	_, ok = eventChannel([]byte(`{"seq":3}`))
	assert.False(t, ok)
	_, ok = eventChannel([]byte(`not json`))
	assert.False(t, ok)
}

func TestMatchesAny(t *testing.T) {
	subs := map[string]bool{"ch:ledger:*": true}
	assert.True(t, matchesAny(subs, "ch:ledger:TransferBatch"))
	assert.False(t, matchesAny(subs, "ch:other"))
	assert.True(t, matchesAny(map[string]bool{"exact": true}, "exact"))
	assert.False(t, matchesAny(map[string]bool{}, "exact"))
}
