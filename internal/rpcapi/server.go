package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/gate"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/registry"
)

// LoadRequest is the wire shape of a LOAD/LOAD UPGRADE RPC.
type LoadRequest struct {
	Name    string `json:"name"`
	Engine  string `json:"engine"`
	Source  string `json:"source"`
	User    string `json:"user"`
	Upgrade bool   `json:"upgrade"`
}

// CallRequest is the wire shape of a CALL RPC.
type CallRequest struct {
	Library  string          `json:"library"`
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
	User     string          `json:"user"`
}

// ListRequest is the wire shape of a LIST RPC. Verbosity is
// registry.Verbosity's 0-3 scale: 0 names only, 1 adds declarations, 2 adds
// last_error, 3 adds the full stream cursor and source text.
type ListRequest struct {
	Verbosity int32 `json:"verbosity"`
}

// ListResponse carries every loaded library at the requested verbosity.
type ListResponse struct {
	Libraries []domain.Library `json:"libraries"`
}

// DeleteRequest is the wire shape of a DELETE RPC.
type DeleteRequest struct {
	Name string `json:"name"`
}

// DeleteResponse is empty; its presence documents the RPC's shape.
type DeleteResponse struct{}

// Server implements the control-plane gRPC surface over the Library
// Registry and Invocation Gate.
type Server struct {
	registry *registry.Registry
	gate     *gate.Gate
	server   *grpc.Server
}

func NewServer(reg *registry.Registry, g *gate.Gate) *Server {
	return &Server{registry: reg, gate: g}
}

func (s *Server) Load(ctx context.Context, req *LoadRequest) (*domain.Library, error) {
	if req.Upgrade {
		lib, err := s.registry.Upgrade(ctx, req.Name, req.Source, domain.Role(req.User))
		return &lib, err
	}
	lib, err := s.registry.Load(ctx, req.Name, domain.Engine(req.Engine), req.Source, domain.Role(req.User))
	return &lib, err
}

func (s *Server) Call(ctx context.Context, req *CallRequest) (*domain.InvokeResponse, error) {
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return s.gate.Call(ctx, req.Library, req.Function, args, domain.Role(req.User))
}

func (s *Server) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return &ListResponse{Libraries: s.registry.List(registry.Verbosity(req.Verbosity))}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if err := s.registry.Delete(ctx, req.Name); err != nil {
		return nil, err
	}
	return &DeleteResponse{}, nil
}

// serviceDesc binds the plain-struct method handlers above to a
// grpc.ServiceDesc, replacing the generated ServiceDesc a .proto-based
// service would otherwise provide.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "rpcapi.Runtime",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: loadHandler},
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "List", Handler: listHandler},
		{MethodName: "Delete", Handler: deleteHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcapi.proto",
}

func loadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(LoadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.Load(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/rpcapi.Runtime/Load"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Load(ctx, req.(*LoadRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CallRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.Call(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/rpcapi.Runtime/Call"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Call(ctx, req.(*CallRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ListRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.List(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/rpcapi.Runtime/List"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(DeleteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.Delete(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/rpcapi.Runtime/Delete"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Start listens on addr and serves the control-plane RPCs until Stop.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.server = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.server.RegisterService(&serviceDesc, s)

	logging.Op().Info("gRPC control-plane server started", "addr", addr)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}
