package router

import (
	"bytes"
	"context"
	"net"
	"strings"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
)

// sniffIntent reads up to deadline worth of the connection's opening bytes
// looking for a ReadOnly/ReadWrite/Any hint in an application-name-like
// field, per the startup-message inspection the protocol allows. Absent a
// recognizable hint, it returns IntentReadWrite and the bytes it consumed
// so they can be replayed to the upstream.
func sniffIntent(conn net.Conn, timeout time.Duration) (types.Intent, []byte) {
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, _ := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	peeked := buf[:n]

	lower := bytes.ToLower(peeked)
	switch {
	case bytes.Contains(lower, []byte("readonly")):
		return types.IntentReadOnly, peeked
	case bytes.Contains(lower, []byte("readwrite")):
		return types.IntentReadWrite, peeked
	case bytes.Contains(lower, []byte("intent=any")):
		return types.IntentAny, peeked
	default:
		return types.IntentReadWrite, peeked
	}
}

// replayConn prepends already-consumed bytes in front of a net.Conn's Read
// stream, so the upstream sees the full startup message the CRP peeked at.
type replayConn struct {
	net.Conn
	prefix *strings.Reader
}

func newReplayConn(conn net.Conn, consumed []byte) *replayConn {
	return &replayConn{Conn: conn, prefix: strings.NewReader(string(consumed))}
}

func (r *replayConn) Read(p []byte) (int, error) {
	if r.prefix.Len() > 0 {
		return r.prefix.Read(p)
	}
	return r.Conn.Read(p)
}

// session tracks one accepted client connection end to end, mirroring
// types.ClientSession with the router-internal handles needed to cancel it.
type session struct {
	info   types.ClientSession
	cancel context.CancelFunc
}
