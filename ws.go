package ethrpc

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Deadline for control frames: pings and the closing handshake.
const wsControlTimeout = 5 * time.Second

// FrameConn over a gorilla websocket. Supports keepalive pings.
type wsConn struct {
	conn  *websocket.Conn
	pongs chan struct{}
}

var _ interface {
	FrameConn
	Pinger
} = (*wsConn)(nil)

/*
Returns a Connector that dials the given "ws://" or "wss://" URL. The optional
header is sent with every handshake, which is where nodes behind gateways
expect API keys.
*/
func WsConnector(rawUrl string, header http.Header) Connector {
	return func(ctx context.Context) (FrameConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawUrl, header)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial %v", rawUrl)
		}
		return newWsConn(conn), nil
	}
}

func newWsConn(conn *websocket.Conn) *wsConn {
	self := &wsConn{conn: conn, pongs: make(chan struct{}, 1)}
	conn.SetPongHandler(func(string) error {
		select {
		case self.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return self
}

func (self *wsConn) ReadFrame() ([]byte, error) {
	_, payload, err := self.conn.ReadMessage()
	return payload, errors.WithStack(err)
}

func (self *wsConn) WriteFrame(frame []byte) error {
	err := self.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(self.conn.WriteMessage(websocket.TextMessage, frame))
}

func (self *wsConn) WritePing() error {
	return errors.WithStack(self.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlTimeout)))
}

func (self *wsConn) Pongs() <-chan struct{} { return self.pongs }

// Attempts a closing handshake, then closes the socket regardless.
func (self *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = self.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlTimeout))
	return self.conn.Close()
}

/*
Connects to the RPC node at the given websocket URL and starts a multiplexing
client. Fails if the initial connection can't be established; later
disconnects are handled by reconnecting, see "Config.Reconnects".
*/
func DialWs(ctx context.Context, rawUrl string, conf Config) (*Client, error) {
	conf.Logger = conf.Logger.With().Str("url", rawUrl).Logger()
	return NewClient(ctx, WsConnector(rawUrl, conf.Header), conf)
}
