package relay

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net/http"
)

var errNoTunnel = errors.New("relay: periscope not connected")

// Proxy forwards user HTTP and WebSocket traffic through the yamux
// tunnel. Everything is proxied; the connected instance serves its own
// assets.
type Proxy struct {
	tunnel *Tunnel
}

func NewProxy(tunnel *Tunnel) *Proxy {
	return &Proxy{tunnel: tunnel}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "websocket" {
		p.proxyWebSocket(w, r)
		return
	}
	p.proxyHTTP(w, r)
}

func (p *Proxy) proxyHTTP(w http.ResponseWriter, r *http.Request) {
	stream, err := p.tunnel.OpenStream()
	if err != nil {
		http.Error(w, `{"error":"relay not connected to periscope"}`, http.StatusBadGateway)
		return
	}
	defer stream.Close()

	// Replay the original request down the stream
	if err := r.Write(stream); err != nil {
		log.Printf("proxy: write request: %v", err)
		http.Error(w, `{"error":"tunnel write failed"}`, http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), r)
	if err != nil {
		log.Printf("proxy: read response: %v", err)
		http.Error(w, `{"error":"tunnel read failed"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		for _, val := range vals {
			w.Header().Add(key, val)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *Proxy) proxyWebSocket(w http.ResponseWriter, r *http.Request) {
	stream, err := p.tunnel.OpenStream()
	if err != nil {
		http.Error(w, `{"error":"relay not connected to periscope"}`, http.StatusBadGateway)
		return
	}

	// Hijack the user's connection to get raw TCP
	hj, ok := w.(http.Hijacker)
	if !ok {
		stream.Close()
		http.Error(w, "websocket hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		stream.Close()
		log.Printf("proxy: hijack: %v", err)
		return
	}

	// Replay the upgrade request through the tunnel
	if err := r.Write(stream); err != nil {
		stream.Close()
		clientConn.Close()
		log.Printf("proxy: ws write upgrade: %v", err)
		return
	}

	// Flush any bytes the client sent ahead of the upgrade response
	if clientBuf.Reader.Buffered() > 0 {
		buffered := make([]byte, clientBuf.Reader.Buffered())
		clientBuf.Read(buffered)
		stream.Write(buffered)
	}

	done := make(chan struct{})
	go func() {
		io.Copy(clientConn, stream)
		closeWrite(clientConn)
		close(done)
	}()
	io.Copy(stream, clientConn)
	closeWrite(stream)
	<-done

	stream.Close()
	clientConn.Close()
}

// closeWrite sends a TCP FIN if the connection supports it.
func closeWrite(c interface{}) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
