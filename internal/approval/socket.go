package approval

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"coreproxy/pkg/protocol"
)

const socketWriteWait = 10 * time.Second

// socketResult is what the waiting client receives once the second device
// approves.
type socketResult struct {
	Type         string `json:"type"`
	PresharedKey string `json:"preshared_key,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ServeSocket drives one waiting client over an upgraded WebSocket. Two
// cooperating tasks: this goroutine waits for the approval outcome and
// forwards it, a second one watches the socket so a client disconnect cancels
// the wait early. Whichever finishes first tears the other down via the
// shared context; in-flight Core calls are left to complete on their own.
func (b *Bridge) ServeSocket(ctx context.Context, ws *websocket.Conn, token string, info *protocol.DeviceInfo) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ws.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	secret, err := b.Await(ctx, token, info)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("Remote approval wait ended: %v", err)
			b.writeResult(ws, socketResult{Type: "mfa_error", Error: publicError(err)})
		}
		return
	}

	b.writeResult(ws, socketResult{Type: "mfa_success", PresharedKey: secret})
}

func (b *Bridge) writeResult(ws *websocket.Conn, res socketResult) {
	ws.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := ws.WriteJSON(res); err != nil {
		log.Printf("Failed to send approval result over websocket: %v", err)
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(socketWriteWait))
}

// publicError maps internal errors to a string safe to show the client.
func publicError(err error) string {
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		return "approval timed out"
	case errors.Is(err, ErrTokenBusy):
		return "token already in use"
	default:
		return "approval failed"
	}
}
