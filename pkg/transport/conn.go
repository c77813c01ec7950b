package transport

import (
	"bufio"
	"fmt"
	"sync"

	"github.com/weavemesh/weavenet/pkg/wire"
)

// PeerConn is an authenticated framed connection to a remote peer. The
// handshake has already verified the remote identity; frames read from it
// still carry their own signatures, which callers verify on dispatch.
type PeerConn struct {
	peerID string
	addr   Addr

	conn   Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewPeerConn wraps an upgraded raw connection. The bufio reader must be
// the one the handshake ran over.
func NewPeerConn(conn Conn, reader *bufio.Reader, peerID string, addr Addr) *PeerConn {
	return &PeerConn{
		peerID: peerID,
		addr:   addr,
		conn:   conn,
		reader: reader,
	}
}

// PeerID returns the verified remote peer id.
func (pc *PeerConn) PeerID() string {
	return pc.peerID
}

// Addr returns the protocol-annotated remote address.
func (pc *PeerConn) Addr() Addr {
	return pc.addr
}

// ReadFrame reads the next frame. It blocks until a frame arrives, the
// connection fails, or Close is called.
func (pc *PeerConn) ReadFrame() (*wire.Frame, error) {
	f, err := wire.ReadFrame(pc.reader)
	if err != nil {
		return nil, err
	}
	if f.From != pc.peerID {
		return nil, fmt.Errorf("frame sender %s does not match connection peer %s", f.From, pc.peerID)
	}
	return f, nil
}

// WriteFrame writes one frame. Safe for concurrent use.
func (pc *PeerConn) WriteFrame(f *wire.Frame) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return wire.WriteFrame(pc.conn, f)
}

// Close closes the underlying connection. Idempotent.
func (pc *PeerConn) Close() error {
	pc.closeMu.Lock()
	defer pc.closeMu.Unlock()
	if pc.closed {
		return nil
	}
	pc.closed = true
	return pc.conn.Close()
}
