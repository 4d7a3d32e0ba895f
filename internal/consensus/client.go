package consensus

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/recovery"
	"github.com/pgcluster/controlplane/pkg/retry"
	"github.com/pgcluster/controlplane/pkg/types"
	"github.com/pgcluster/controlplane/pkg/utils"
)

// Config configures the etcd-backed consensus client.
type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns sensible defaults: T_cc_rpc=1s per the request budget.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		RequestTimeout: 1 * time.Second,
	}
}

// Client implements types.ConsensusStore over an etcd cluster.
type Client struct {
	cli      *clientv3.Client
	config   Config
	recovery *recovery.RecoveryManager
	logger   *utils.StructuredLogger
	metrics  types.MetricsCollector
}

// NewClient dials the configured etcd endpoints and returns a ready Client.
func NewClient(config Config, logger *utils.StructuredLogger, metrics types.MetricsCollector) (*Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, cperrors.NewError(cperrors.ErrCodeMissingConfig, "consensus_endpoints must have at least one entry").
			WithComponent("consensus")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, cperrors.NewError(cperrors.ErrCodeTransient, "failed to dial consensus store").
			WithComponent("consensus").WithCause(err)
	}

	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	recoveryCfg := recovery.DefaultRecoveryConfig()
	recoveryCfg.DefaultStrategy = recovery.StrategyRetry
	recoveryCfg.RetryConfig = retry.Config{
		MaxAttempts:     3,
		InitialDelay:    50 * time.Millisecond,
		MaxDelay:        500 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []cperrors.ErrorCode{cperrors.ErrCodeTransient},
	}
	recoveryCfg.Logger = logger

	return &Client{
		cli:      cli,
		config:   config,
		recovery: recovery.NewRecoveryManager(recoveryCfg),
		logger:   logger.WithComponent("consensus"),
		metrics:  metrics,
	}, nil
}

func (c *Client) record(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordOperation("consensus", operation, time.Since(start), err == nil)
	if err != nil {
		c.metrics.RecordError("consensus", operation, err)
	}
}

type getResult struct {
	value    []byte
	revision int64
	ok       bool
}

// Get returns the value and revision for key, or ok=false if absent. A
// transient failure is retried with backoff by the recovery manager before
// it reaches the caller.
func (c *Client) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "get", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		resp, err := c.cli.Get(opCtx, key)
		if wrapped := wrapEtcdErr("get", err); wrapped != nil {
			return nil, wrapped
		}
		if len(resp.Kvs) == 0 {
			return getResult{revision: resp.Header.Revision}, nil
		}
		kv := resp.Kvs[0]
		return getResult{value: kv.Value, revision: kv.ModRevision, ok: true}, nil
	})
	c.record("get", start, err)
	if err != nil {
		return nil, 0, false, err
	}
	res := raw.(getResult)
	return res.value, res.revision, res.ok, nil
}

// Put writes value to key, optionally attaching a lease.
func (c *Client) Put(ctx context.Context, key string, value []byte, lease types.LeaseID) (int64, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "put", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		opts := []clientv3.OpOption{}
		if lease != 0 {
			opts = append(opts, clientv3.WithLease(clientv3.LeaseID(lease)))
		}
		resp, err := c.cli.Put(opCtx, key, string(value), opts...)
		if wrapped := wrapEtcdErr("put", err); wrapped != nil {
			return nil, wrapped
		}
		return resp.Header.Revision, nil
	})
	c.record("put", start, err)
	if err != nil {
		return 0, err
	}
	return raw.(int64), nil
}

// CompareAndSwap writes newValue to key if its current revision equals
// expectedRevision (or the key is absent, when expectAbsent is true). A lost
// race is reported as ErrCodeConflict, which the recovery manager does not
// retry: the caller observed a stale revision and must re-read before
// deciding whether to try again.
func (c *Client) CompareAndSwap(ctx context.Context, key string, expectedRevision int64, expectAbsent bool, newValue []byte, lease types.LeaseID) (int64, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "compare_and_swap", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		var cmp clientv3.Cmp
		if expectAbsent {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", expectedRevision)
		}

		opts := []clientv3.OpOption{}
		if lease != 0 {
			opts = append(opts, clientv3.WithLease(clientv3.LeaseID(lease)))
		}
		put := clientv3.OpPut(key, string(newValue), opts...)

		resp, err := c.cli.Txn(opCtx).If(cmp).Then(put).Commit()
		if wrapped := wrapEtcdErr("compare_and_swap", err); wrapped != nil {
			return nil, wrapped
		}
		if !resp.Succeeded {
			return nil, cperrors.NewError(cperrors.ErrCodeConflict, "compare-and-swap precondition failed").
				WithComponent("consensus").WithContext("key", key)
		}
		return resp.Header.Revision, nil
	})
	c.record("compare_and_swap", start, err)
	if err != nil {
		return 0, err
	}
	return raw.(int64), nil
}

// Delete removes key, optionally requiring it match expectedRevision.
func (c *Client) Delete(ctx context.Context, key string, expectedRevision int64, checkRevision bool) (bool, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "delete", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		if !checkRevision {
			resp, err := c.cli.Delete(opCtx, key)
			if wrapped := wrapEtcdErr("delete", err); wrapped != nil {
				return nil, wrapped
			}
			return resp.Deleted > 0, nil
		}

		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", expectedRevision)
		del := clientv3.OpDelete(key)
		resp, err := c.cli.Txn(opCtx).If(cmp).Then(del).Commit()
		if wrapped := wrapEtcdErr("delete", err); wrapped != nil {
			return nil, wrapped
		}
		return resp.Succeeded, nil
	})
	c.record("delete", start, err)
	if err != nil {
		return false, err
	}
	return raw.(bool), nil
}

// Watch returns a channel of events for keyPrefix starting from fromRevision,
// restartable from any prior revision within etcd's compaction window. The
// channel is closed when ctx is canceled or the watch cannot continue.
func (c *Client) Watch(ctx context.Context, keyPrefix string, fromRevision int64) (<-chan types.WatchEvent, error) {
	out := make(chan types.WatchEvent, 64)

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}

	watchCh := c.cli.Watch(ctx, keyPrefix, opts...)

	go func() {
		defer close(out)
		for wresp := range watchCh {
			if wresp.Canceled {
				if c.metrics != nil {
					c.metrics.RecordError("consensus", "watch", wresp.Err())
				}
				return
			}
			for _, ev := range wresp.Events {
				evType := types.WatchEventPut
				if ev.Type == clientv3.EventTypeDelete {
					evType = types.WatchEventDelete
				}
				select {
				case out <- types.WatchEvent{
					Key:      string(ev.Kv.Key),
					Value:    ev.Kv.Value,
					Revision: ev.Kv.ModRevision,
					Type:     evType,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// GrantLease creates a new lease with the given TTL.
func (c *Client) GrantLease(ctx context.Context, ttl time.Duration) (types.LeaseID, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "grant_lease", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		resp, err := c.cli.Grant(opCtx, int64(ttl.Seconds()))
		if wrapped := wrapEtcdErr("grant_lease", err); wrapped != nil {
			return nil, wrapped
		}
		return types.LeaseID(resp.ID), nil
	})
	c.record("grant_lease", start, err)
	if err != nil {
		return 0, err
	}
	return raw.(types.LeaseID), nil
}

// KeepAlive renews a lease once, returning its new deadline. A lost lease is
// reported as ErrCodeLeaseLost and never retried here: it must be
// re-acquired by the caller, not silently extended.
func (c *Client) KeepAlive(ctx context.Context, id types.LeaseID) (time.Time, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "keep_alive", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		resp, err := c.cli.KeepAliveOnce(opCtx, clientv3.LeaseID(id))
		if err != nil {
			return nil, leaseErr(err)
		}
		return time.Now().Add(time.Duration(resp.TTL) * time.Second), nil
	})
	c.record("keep_alive", start, err)
	if err != nil {
		return time.Time{}, err
	}
	return raw.(time.Time), nil
}

// RevokeLease releases a lease immediately.
func (c *Client) RevokeLease(ctx context.Context, id types.LeaseID) error {
	start := time.Now()
	err := c.recovery.Execute(ctx, "consensus", "revoke_lease", func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		_, rpcErr := c.cli.Revoke(opCtx, clientv3.LeaseID(id))
		if wrapped := wrapEtcdErr("revoke_lease", rpcErr); wrapped != nil {
			return wrapped
		}
		return nil
	})
	c.record("revoke_lease", start, err)
	return err
}

// Now returns etcd's current header revision, used as the cluster's opaque
// monotonic clock and the source of Epoch values.
func (c *Client) Now(ctx context.Context) (int64, error) {
	start := time.Now()
	raw, err := c.recovery.ExecuteWithResult(ctx, "consensus", "now", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		resp, err := c.cli.Get(opCtx, "/cluster/id")
		if wrapped := wrapEtcdErr("now", err); wrapped != nil {
			return nil, wrapped
		}
		return resp.Header.Revision, nil
	})
	c.record("now", start, err)
	if err != nil {
		return 0, err
	}
	return raw.(int64), nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	return c.cli.Close()
}

var _ types.ConsensusStore = (*Client)(nil)
