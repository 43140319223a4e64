package ethrpc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

/*
FrameConn over a local stream socket, as exposed by geth and other nodes via
"--ipcpath". The stream carries concatenated JSON values without delimiters,
so frames are split by decoding one value at a time. A syntax error can't be
resynchronized and is therefore fatal for the connection. No keepalive: a
local socket fails loudly.
*/
type ipcConn struct {
	conn net.Conn
	dec  *json.Decoder
}

// Returns a Connector for the unix socket at the given filesystem path.
func IpcConnector(path string) Connector {
	return func(ctx context.Context) (FrameConn, error) {
		conn, err := new(net.Dialer).DialContext(ctx, "unix", path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial %v", path)
		}
		return &ipcConn{conn: conn, dec: json.NewDecoder(conn)}, nil
	}
}

func (self *ipcConn) ReadFrame() ([]byte, error) {
	var frame json.RawMessage
	err := self.dec.Decode(&frame)
	return frame, errors.WithStack(err)
}

func (self *ipcConn) WriteFrame(frame []byte) error {
	err := self.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = self.conn.Write(frame)
	return errors.WithStack(err)
}

func (self *ipcConn) Close() error { return self.conn.Close() }

// Connects to the RPC node at the given IPC socket path and starts a
// multiplexing client. See "DialWs".
func DialIpc(ctx context.Context, path string, conf Config) (*Client, error) {
	conf.Logger = conf.Logger.With().Str("path", path).Logger()
	return NewClient(ctx, IpcConnector(path), conf)
}
