// Package server exposes a key-value engine over gRPC. Messages are plain Go
// structs carried with a JSON codec, so no generated code is involved.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"git.canoozie.net/riddling/segkv/pkg/kvs"
	"git.canoozie.net/riddling/segkv/pkg/lsmt"
	"git.canoozie.net/riddling/segkv/pkg/model"
)

// KVSServer implements the KVS gRPC service on top of an engine
type KVSServer struct {
	engine kvs.Engine
	logger model.Logger
}

// NewKVSServer creates a new instance of the KVS gRPC service
func NewKVSServer(engine kvs.Engine, logger model.Logger) *KVSServer {
	if logger == nil {
		logger = model.DefaultLoggerInstance
	}
	return &KVSServer{
		engine: engine,
		logger: logger,
	}
}

// RegisterServer registers the service with the provided gRPC server
func RegisterServer(grpcServer *grpc.Server, engine kvs.Engine, logger model.Logger) {
	RegisterKVSServiceServer(grpcServer, NewKVSServer(engine, logger))
}

// Get returns the value of a key
func (s *KVSServer) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	value, found, err := s.engine.Get(req.Key)
	if err != nil {
		return nil, s.toStatus("get", req.Key, err)
	}
	return &GetResponse{Value: value, Found: found}, nil
}

// Set stores a value
func (s *KVSServer) Set(ctx context.Context, req *SetRequest) (*SetResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	if err := s.engine.Set(req.Key, req.Value); err != nil {
		return nil, s.toStatus("set", req.Key, err)
	}
	return &SetResponse{}, nil
}

// Remove deletes a key
func (s *KVSServer) Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	if err := s.engine.Remove(req.Key); err != nil {
		return nil, s.toStatus("remove", req.Key, err)
	}
	return &RemoveResponse{}, nil
}

// toStatus maps engine errors to gRPC status codes
func (s *KVSServer) toStatus(op, key string, err error) error {
	switch {
	case errors.Is(err, kvs.ErrKeyNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, kvs.ErrStoreClosed), errors.Is(err, lsmt.ErrTreeClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, kvs.ErrDataNotFound):
		s.logger.Error("Inconsistent store state on %s %q: %v", op, key, err)
		return status.Error(codes.DataLoss, err.Error())
	default:
		s.logger.Error("Failed to %s %q: %v", op, key, err)
		return status.Errorf(codes.Internal, "%s failed: %v", op, err)
	}
}

// Server owns a gRPC server serving one engine
type Server struct {
	grpcServer *grpc.Server
	logger     model.Logger
}

// NewServer creates a gRPC server with the KVS service registered
func NewServer(engine kvs.Engine, logger model.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = model.DefaultLoggerInstance
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpcServer := grpc.NewServer(opts...)
	RegisterServer(grpcServer, engine, logger)

	return &Server{
		grpcServer: grpcServer,
		logger:     logger,
	}
}

// Serve accepts connections on lis until Stop or GracefulStop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Serving KVS on %s", lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop stops accepting connections and waits for pending calls
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	s.logger.Info("KVS server stopped")
}

// Stop closes all connections immediately
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

func loggingInterceptor(logger model.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if logger.IsLevelEnabled(model.LogLevelDebug) {
			logger.Debug("%s finished in %s (code %s)", info.FullMethod, time.Since(start), status.Code(err))
		}
		return resp, err
	}
}
