package transport

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// DefaultReadLimit is the largest websocket message accepted.
const DefaultReadLimit = 4 << 20

// WebSocket carries one or more envelopes per text message.
type WebSocket struct {
	conn *websocket.Conn
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(DefaultReadLimit)
	return &WebSocket{conn: conn}
}

// AcceptWebSocket upgrades an HTTP request.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

func (ws *WebSocket) Send(ctx context.Context, text string) error {
	return ws.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (ws *WebSocket) Receive(ctx context.Context) (string, error) {
	_, data, err := ws.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (ws *WebSocket) Close() error {
	return ws.conn.Close(websocket.StatusNormalClosure, "")
}
