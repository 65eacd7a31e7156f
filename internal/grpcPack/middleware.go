package grpcPack

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sajjad-MoBe/kvs/internal/errors"
)

// UnaryErrorInterceptor converts handler errors and panics into gRPC status errors
func UnaryErrorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = status.Error(codes.Internal, errors.RecoverError(r).Error())
		}
	}()

	resp, err = handler(ctx, req)
	if err != nil {
		return nil, convertError(err)
	}
	return resp, nil
}

// StreamErrorInterceptor is the streaming counterpart of UnaryErrorInterceptor
func StreamErrorInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Error(codes.Internal, errors.RecoverError(r).Error())
		}
	}()

	return convertError(handler(srv, ss))
}

// convertError converts a KVError to a gRPC status error
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.IsInvalidInput(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.IsCorruption(err):
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
