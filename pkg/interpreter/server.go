package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service implemented by interpreter processes
const ServiceName = "interpreter.v1.Interpreter"

const executeMethod = "/" + ServiceName + "/Execute"

// executeService is the handler type of the Interpreter service
type executeService interface {
	execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// serviceDesc declares the Interpreter service by hand; messages are
// google.protobuf.Struct so no generated code is required.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*executeService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "interpreter/v1/interpreter.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(executeService).execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(executeService).execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server hosts a Runtime behind the Interpreter gRPC service
type Server struct {
	runtime  *Runtime
	isolated bool
	log      *slog.Logger

	executions atomic.Int64

	mu         sync.Mutex
	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer creates a server. When isolated is set every note gets its own
// namespace, otherwise the session tag alone selects the namespace.
func NewServer(runtime *Runtime, isolated bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runtime:  runtime,
		isolated: isolated,
		log:      logger,
	}
}

// Namespace returns the runtime namespace a request evaluates in
func (s *Server) Namespace(req *Request) string {
	if s.isolated {
		return req.Session + "/" + req.NoteID
	}
	return req.Session
}

// Handle evaluates a request. Evaluation errors are reported in the result,
// not as transport errors.
func (s *Server) Handle(ctx context.Context, req *Request) *Result {
	s.executions.Add(1)

	output, err := s.runtime.Eval(s.Namespace(req), req.Payload)
	if err != nil {
		s.log.Debug("paragraph failed",
			"note_id", req.NoteID,
			"paragraph_id", req.ParagraphID,
			"error", err)
		return &Result{
			Status: StatusError,
			Output: output + err.Error(),
		}
	}

	return &Result{
		Status: StatusFinished,
		Output: output,
	}
}

// Executions returns the number of requests handled
func (s *Server) Executions() int64 {
	return s.executions.Load()
}

func (s *Server) execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return encodeResult(s.Handle(ctx, decodeRequest(in)))
}

// Serve registers the Interpreter and health services and blocks serving lis
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.grpcServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)

	s.health = health.NewServer()
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	grpcServer := s.grpcServer
	s.mu.Unlock()

	s.log.Info("interpreter listening",
		"address", lis.Addr().String(),
		"isolated", s.isolated)

	return grpcServer.Serve(lis)
}

// Stop marks the service NOT_SERVING and stops the gRPC server gracefully
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
