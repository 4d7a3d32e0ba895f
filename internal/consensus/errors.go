package consensus

import (
	stderrors "errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cperrors "github.com/pgcluster/controlplane/pkg/errors"
)

// wrapEtcdErr classifies an etcd client error into the control-plane error
// taxonomy. Unavailable/deadline-exceeded/aborted conditions are Transient
// and retried by callers with bounded backoff; FailedPrecondition is
// Conflict; a lease-not-found error is LeaseLost. Every other error,
// including ones that carry no gRPC status, is classified Transient.
func wrapEtcdErr(operation string, err error) *cperrors.ControlPlaneError {
	if err == nil {
		return nil
	}

	code := cperrors.ErrCodeTransient
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			code = cperrors.ErrCodeTransient
		case codes.FailedPrecondition:
			code = cperrors.ErrCodeConflict
		default:
			code = cperrors.ErrCodeTransient
		}
	}
	if stderrors.Is(err, rpctypes.ErrLeaseNotFound) {
		code = cperrors.ErrCodeLeaseLost
	}

	return cperrors.NewError(code, "consensus store request failed").
		WithComponent("consensus").
		WithOperation(operation).
		WithCause(err)
}

// leaseErr classifies a KeepAlive failure specifically: a missing/expired
// lease is never retried in place, it must trigger re-acquisition upstream.
func leaseErr(err error) *cperrors.ControlPlaneError {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return cperrors.NewError(cperrors.ErrCodeLeaseLost, "lease expired or revoked").
			WithComponent("consensus").WithOperation("keep_alive").WithCause(err)
	}
	return wrapEtcdErr("keep_alive", err)
}
