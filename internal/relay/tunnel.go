package relay

import (
	"crypto/hmac"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/peterje/periscope/internal/tunnel"
)

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tunnel holds the relay's end of the reverse tunnel. At most one host
// is linked at a time; a newer connection displaces the current one, so
// a host restart does not strand the relay on a dead link.
type Tunnel struct {
	secret string

	mu      sync.RWMutex
	session *yamux.Session
	gen     uint64
	since   time.Time
}

func NewTunnel(secret string) *Tunnel {
	return &Tunnel{secret: secret}
}

// Handler accepts the host's outbound WebSocket and runs the yamux
// client over it until the link drops.
func (t *Tunnel) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !t.authorized(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := tunnelUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("tunnel: upgrade: %v", err)
			return
		}

		session, err := yamux.Client(tunnel.NewWSConn(conn), yamux.DefaultConfig())
		if err != nil {
			log.Printf("tunnel: mux setup: %v", err)
			conn.Close()
			return
		}

		gen := t.install(session)
		log.Printf("tunnel: host linked")

		<-session.CloseChan()
		t.clear(session, gen)
		log.Printf("tunnel: host link lost")
	}
}

func (t *Tunnel) authorized(r *http.Request) bool {
	got := r.Header.Get("X-Tunnel-Secret")
	return got != "" && hmac.Equal([]byte(got), []byte(t.secret))
}

// install makes session the active link, displacing any previous one.
func (t *Tunnel) install(session *yamux.Session) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		t.session.Close()
		log.Printf("tunnel: displaced previous link")
	}
	t.gen++
	t.session = session
	t.since = time.Now()
	return t.gen
}

// clear drops the link unless a newer one has already replaced it.
func (t *Tunnel) clear(session *yamux.Session, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen == gen && t.session == session {
		t.session = nil
	}
}

// OpenStream opens one multiplexed stream toward the linked host.
func (t *Tunnel) OpenStream() (net.Conn, error) {
	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()

	if session == nil {
		return nil, errNoTunnel
	}
	return session.Open()
}

// Status reports whether a host is linked and for how long.
func (t *Tunnel) Status() (up bool, age time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.session == nil || t.session.IsClosed() {
		return false, 0
	}
	return true, time.Since(t.since)
}

// Connected reports whether a host is linked.
func (t *Tunnel) Connected() bool {
	up, _ := t.Status()
	return up
}
