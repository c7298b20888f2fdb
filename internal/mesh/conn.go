package mesh

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/spine/internal/observability"
	"github.com/danmuck/spine/internal/protocol/schema"
	"github.com/danmuck/spine/internal/protocol/wire"
)

type connRole string

const (
	// roleRoot is this process's outbound link to the root.
	roleRoot connRole = "root"
	// roleChild is a process connected to us while we are root.
	roleChild connRole = "child"
	// rolePeer is a direct link between two non-root processes.
	rolePeer connRole = "peer"
)

// PeerInfo describes one live connection.
type PeerInfo struct {
	ConnID      string    `json:"conn_id"`
	ProcessID   string    `json:"process_id"`
	Address     string    `json:"address,omitempty"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}

type peerConn struct {
	id          string
	processID   string
	address     string
	role        connRole
	connectedAt time.Time

	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	writeMu   sync.Mutex
	messageID atomic.Uint64
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *peerConn) info() PeerInfo {
	return PeerInfo{
		ConnID:      c.id,
		ProcessID:   c.processID,
		Address:     c.address,
		Role:        string(c.role),
		ConnectedAt: c.connectedAt,
	}
}

// send writes one message. Writers are serialized per connection.
func (c *peerConn) send(m wire.Message) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := wire.Write(c.conn, c.messageID.Add(1), m); err != nil {
		return err
	}
	observability.RecordMessage("out", schema.Name(m.Type))
	return nil
}

func (c *peerConn) read() (wire.Message, error) {
	m, _, err := wire.Read(c.reader)
	return m, err
}

func (c *peerConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
