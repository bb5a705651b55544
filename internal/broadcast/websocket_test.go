package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/snapshot-broadcaster/internal/codec"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

func startTransport(t *testing.T, srv *Server) (*Transport, string) {
	t.Helper()

	tr, err := NewTransport(Config{ListenAddr: "127.0.0.1:0"}, srv, logger.NewNop())
	require.NoError(t, err)
	require.Error(t, tr.Ready(), "not ready before Listen")
	require.NoError(t, tr.Listen())
	require.NoError(t, tr.Ready())

	served := make(chan error, 1)
	go func() { served <- tr.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
		<-served
	})
	return tr, "ws://" + tr.Addr().String() + "/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func subscribe(t *testing.T, c *websocket.Conn, topic string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("subscribe:"+topic)))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "Subscribed to "+topic, string(data))
}

func readFrame(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, ":9002", cfg.ListenAddr)
	assert.Equal(t, "/", cfg.Path)
	assert.Equal(t, 1, cfg.DrainWorkers)
	assert.Less(t, cfg.PingInterval, cfg.PongTimeout)
	require.NoError(t, cfg.Validate())

	bad := Config{PingInterval: time.Minute, PongTimeout: time.Second}
	bad.ApplyDefaults()
	assert.Error(t, bad.Validate())
}

func TestListen_BindFailure(t *testing.T) {
	first, err := NewTransport(Config{ListenAddr: "127.0.0.1:0"}, NewServer(logger.NewNop()), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Listen())
	defer func() { _ = first.Shutdown(context.Background()) }()

	second, err := NewTransport(Config{ListenAddr: first.Addr().String()}, NewServer(logger.NewNop()), logger.NewNop())
	require.NoError(t, err)
	assert.Error(t, second.Listen())
}

func TestWebsocket_SubscribeAndReceive(t *testing.T) {
	srv := NewServer(logger.NewNop())
	_, url := startTransport(t, srv)

	c := dial(t, url)
	subscribe(t, c, "tBTCUSD")

	srv.Broadcast(context.Background(), "tBTCUSD", []byte(`{"bids":[]}`))

	back, err := codec.Decompress(readFrame(t, c))
	require.NoError(t, err)
	assert.Equal(t, `{"bids":[]}`, string(back))
}

func TestWebsocket_TwoConnectionsIdenticalFrames(t *testing.T) {
	srv := NewServer(logger.NewNop())
	_, url := startTransport(t, srv)

	a, b := dial(t, url), dial(t, url)
	subscribe(t, a, "tBTCUSD")
	subscribe(t, b, "tBTCUSD")

	srv.Broadcast(context.Background(), "tBTCUSD", []byte(`[[8123.1,2,0.5]]`))

	assert.Equal(t, readFrame(t, a), readFrame(t, b))
}

func TestWebsocket_DisconnectCleansRegistry(t *testing.T) {
	srv := NewServer(logger.NewNop())
	_, url := startTransport(t, srv)

	a := dial(t, url)
	subscribe(t, a, "tBTCUSD")
	require.Equal(t, 1, srv.SubscriberCount("tBTCUSD"))

	require.NoError(t, a.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = a.Close()

	assert.Eventually(t, func() bool {
		return srv.SubscriberCount("tBTCUSD") == 0 && srv.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_ShutdownClosesConnections(t *testing.T) {
	srv := NewServer(logger.NewNop())
	tr, url := startTransport(t, srv)

	c := dial(t, url)
	subscribe(t, c, "tBTCUSD")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
	assert.Error(t, tr.Ready())

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, srv.Connections())
}
