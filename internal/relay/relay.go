// Package relay bridges a client-facing WebSocket to a session backend's
// WebSocket, forwarding frames in both directions until either side closes.
package relay

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brentyi/viser-gradio-embed/internal/model"
)

const (
	// Time allowed to write a frame to either peer.
	writeWait = 10 * time.Second

	// Handshake timeout for dialing the backend. Bounds how long a relay can
	// sit waiting for a backend that never answers.
	dialTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The proxy sits behind the embedding page's origin; the backend does
		// its own origin handling.
		return true
	},
}

// Relay upgrades the inbound connection and relays frames between it and the
// backend listening on 127.0.0.1:<port>. It blocks until the relay ends.
//
// Frames are treated as opaque payloads; no message protocol is imposed. The
// relay runs one forwarding goroutine per direction and tears both down as
// soon as either direction observes a close or an error, closing both
// sockets rather than letting the other direction block forever.
type Relay struct {
	dialer *websocket.Dialer
}

// New creates a relay with a backend dialer bounded by dialTimeout.
func New() *Relay {
	return &Relay{
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
	}
}

// Serve handles one relay connection. If the backend cannot be reached the
// client socket is closed with close code 1011 and
// model.ErrBackendUnreachable is returned.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, port int) error {
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading client connection: %w", err)
	}
	defer client.Close()

	target := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	bck, _, err := rl.dialer.Dial(target, nil)
	if err != nil {
		closeWith(client, websocket.CloseInternalServerErr, "backend unreachable")
		return fmt.Errorf("%w: dialing %s: %v", model.ErrBackendUnreachable, target, err)
	}
	defer bck.Close()

	pump(client, bck)
	return nil
}

// RejectNotFound accepts the upgrade and immediately closes the client with
// close code 1008, the surface for an unknown session id. The upgrade has to
// happen first: a close code can only be delivered over an established
// WebSocket.
func RejectNotFound(w http.ResponseWriter, r *http.Request) error {
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading client connection: %w", err)
	}
	defer client.Close()

	closeWith(client, websocket.ClosePolicyViolation, "Not Found")
	return nil
}

// pump forwards frames in both directions and returns when either direction
// ends. Closing both sockets unblocks the still-running copy goroutine, so
// neither side is ever left half-open.
func pump(client, bck *websocket.Conn) {
	errc := make(chan error, 2)

	go func() { errc <- copyFrames(bck, client) }() // client -> backend
	go func() { errc <- copyFrames(client, bck) }() // backend -> client

	err := <-errc
	if err != nil && !isExpectedClose(err) {
		log.Printf("relay: %v", err)
	}

	// Cancel the other direction: Close unblocks its pending ReadMessage.
	client.Close()
	bck.Close()
	<-errc
}

// copyFrames forwards frames from src to dst until src closes or errors.
// When src closes, the close code is propagated to dst with a control frame
// before returning; WriteControl is safe alongside a concurrent writer on
// dst, which the opposite pump goroutine may be.
func copyFrames(dst, src *websocket.Conn) error {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			// 1005 and 1006 are synthesized by the library and must not go
			// out on the wire.
			code := websocket.CloseNormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) &&
				closeErr.Code != websocket.CloseNoStatusReceived &&
				closeErr.Code != websocket.CloseAbnormalClosure {
				code = closeErr.Code
			}
			closeWith(dst, code, "")
			return err
		}
		dst.SetWriteDeadline(time.Now().Add(writeWait))
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return err
		}
	}
}

// closeWith sends a close frame with the given code.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// isExpectedClose reports whether err is a normal end-of-connection rather
// than a mid-stream failure worth logging.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}
