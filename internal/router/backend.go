package router

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pgcluster/controlplane/internal/buffer"
	"github.com/pgcluster/controlplane/pkg/types"
)

// BackendDialer opens a new upstream connection to endpoint. Production
// wiring dials TCP via NewTCPBackend; tests substitute an in-memory pipe.
type BackendDialer func(ctx context.Context, endpoint string) (types.UpstreamBackend, error)

// DialTCP is the default BackendDialer: a raw TCP connection to a database
// endpoint, forwarded byte-for-byte.
func DialTCP(ctx context.Context, endpoint string) (types.UpstreamBackend, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	return &tcpBackend{conn: conn}, nil
}

// tcpBackend is the default types.UpstreamBackend: a plain net.Conn
// forwarded with pooled buffers sized for Postgres wire frames.
type tcpBackend struct {
	conn  net.Conn
	mu    sync.Mutex
	state int32 // types.ConnState, accessed atomically
}

func (b *tcpBackend) Connect(ctx context.Context) error {
	atomic.StoreInt32(&b.state, int32(types.ConnConnected))
	return nil
}

func (b *tcpBackend) Forward(ctx context.Context, dst, src types.ConnLike) (int64, int64, error) {
	var bytesIn, bytesOut int64
	var wg sync.WaitGroup
	var errIn, errOut error

	wg.Add(2)
	go func() {
		defer wg.Done()
		bytesIn, errIn = copyBuffered(b.conn, src)
	}()
	go func() {
		defer wg.Done()
		bytesOut, errOut = copyBuffered(dst, b.conn)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		b.Close()
		<-done
		return bytesIn, bytesOut, ctx.Err()
	case <-done:
	}

	if errIn != nil {
		return bytesIn, bytesOut, errIn
	}
	return bytesIn, bytesOut, errOut
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := buffer.GetBuffer(32 * 1024)
	defer buffer.PutBuffer(buf)
	return io.CopyBuffer(dst, src, buf)
}

func (b *tcpBackend) Ping(ctx context.Context) error {
	if atomic.LoadInt32(&b.state) != int32(types.ConnConnected) {
		return net.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		return b.conn.SetDeadline(deadline)
	}
	return nil
}

func (b *tcpBackend) State() types.ConnState {
	return types.ConnState(atomic.LoadInt32(&b.state))
}

func (b *tcpBackend) Close() error {
	atomic.StoreInt32(&b.state, int32(types.ConnDisconnected))
	return b.conn.Close()
}

var _ types.UpstreamBackend = (*tcpBackend)(nil)
