package meshrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/pubsub"
)

// toStatus converts a store error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, mesh.ErrAccessDenied):
		code = codes.PermissionDenied
	case errors.Is(err, mesh.ErrInvalid), errors.Is(err, pubsub.ErrInvalidPattern):
		code = codes.InvalidArgument
	case errors.Is(err, mesh.ErrCapacity):
		code = codes.ResourceExhausted
	case errors.Is(err, mesh.ErrCorrupted):
		code = codes.DataLoss
	case errors.Is(err, breaker.ErrOpen), errors.Is(err, mesh.ErrOperation), errors.Is(err, mesh.ErrClosed):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// fromStatus converts a gRPC error into a *mesh.Error so that callers match
// remote failures with the same sentinels as local ones.
func fromStatus(op, key, namespace string, err error) error {
	if err == nil {
		return nil
	}

	kind := mesh.ErrOperation
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		kind = mesh.ErrAccessDenied
	case codes.InvalidArgument:
		kind = mesh.ErrInvalid
	case codes.ResourceExhausted:
		kind = mesh.ErrCapacity
	case codes.DataLoss:
		kind = mesh.ErrCorrupted
	}

	switch op {
	case "subscribe":
		if kind == mesh.ErrOperation {
			kind = mesh.ErrSubscription
		}
	case "publish":
		if kind == mesh.ErrOperation {
			kind = mesh.ErrPublish
		}
	}

	return &mesh.Error{Kind: kind, Op: op, Key: key, Namespace: namespace, Err: err}
}
