package tunnel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func dialEcho(t *testing.T) *WSConn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewWSConn(conn)
}

func TestWSConn_RoundTrip(t *testing.T) {
	ws := dialEcho(t)

	_, err := ws.Write([]byte("stream bytes"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := ws.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "stream bytes", string(buf[:n]))
}

func TestWSConn_ShortReadsSpanOneMessage(t *testing.T) {
	ws := dialEcho(t)

	_, err := ws.Write([]byte("abcdefgh"))
	require.NoError(t, err)

	var got strings.Builder
	buf := make([]byte, 3)
	for got.Len() < 8 {
		n, err := ws.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Equal(t, "abcdefgh", got.String())
}
