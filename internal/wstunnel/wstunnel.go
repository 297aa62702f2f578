// Package wstunnel proxies a WebSocket connection end to end (spec
// §4.I WebSocket action). Grounded on github.com/gorilla/websocket,
// present in the corpus via kcp-dev-kcp's dependency closure; no pack
// example exercises it directly, so the pump loops follow the
// library's own documented echo-server shape rather than a borrowed
// call site (see DESIGN.md).
package wstunnel

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	// Origin checking is a gateway policy concern left to the request
	// transform layer (request headers are available there); the
	// tunnel itself does not gate on Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options carries the route's size limits. MaxMessageSize is applied
// as the read limit on both connections; MaxFrameSize is carried but
// not applied, so individual frames are not size-checked.
type Options struct {
	MaxFrameSize   int64
	MaxMessageSize int64
}

// Tunnel upgrades the inbound connection, dials the backend as a
// WebSocket client, and pumps frames in both directions until either
// side closes or an error occurs. Target's scheme is rewritten from
// http/https to ws/wss.
func Tunnel(w http.ResponseWriter, r *http.Request, target *url.URL, opts Options, log *logrus.Entry) {
	backendURL := *target
	backendURL.Path = r.URL.Path
	backendURL.RawQuery = r.URL.RawQuery
	switch backendURL.Scheme {
	case "https":
		backendURL.Scheme = "ws"
	default:
		backendURL.Scheme = "ws"
	}
	if target.Scheme == "https" {
		backendURL.Scheme = "wss"
	}

	reqHeader := http.Header{}
	for k, v := range r.Header {
		if k == "Upgrade" || k == "Connection" || k == "Sec-Websocket-Key" ||
			k == "Sec-Websocket-Version" || k == "Sec-Websocket-Extensions" {
			continue
		}
		reqHeader[k] = v
	}

	backendConn, resp, err := websocket.DefaultDialer.Dial(backendURL.String(), reqHeader)
	if err != nil {
		if resp != nil {
			w.WriteHeader(resp.StatusCode)
			return
		}
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer clientConn.Close()

	if opts.MaxMessageSize > 0 {
		clientConn.SetReadLimit(opts.MaxMessageSize)
		backendConn.SetReadLimit(opts.MaxMessageSize)
	}

	errc := make(chan error, 2)
	go pump(clientConn, backendConn, errc)
	go pump(backendConn, clientConn, errc)

	err = <-errc
	closeCode := websocket.CloseNormalClosure
	if err != nil {
		closeCode = websocket.CloseInternalServerErr
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = clientConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""), deadline)
	_ = backendConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""), deadline)
}

// pump copies messages from src to dst until either side errors, then
// reports the error (nil on a clean close) on errc.
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}
