package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/infra/auth"
	"github.com/xela07ax/agentlab/internal/orchestrator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const AgentServiceName = "agentlab.v1.AgentService"

// Полные имена методов, нужны клиенту для conn.Invoke.
const (
	MethodListAgents  = "/" + AgentServiceName + "/ListAgents"
	MethodGetAgent    = "/" + AgentServiceName + "/GetAgent"
	MethodTrainAgent  = "/" + AgentServiceName + "/TrainAgent"
	MethodSendMessage = "/" + AgentServiceName + "/SendMessage"
	MethodStopAgent   = "/" + AgentServiceName + "/StopAgent"
)

// Скоуп на каждый метод. Чего нет в карте — того не существует.
var methodScopes = map[string]string{
	MethodListAgents:  domain.ScopeAgentsRead,
	MethodGetAgent:    domain.ScopeAgentsRead,
	MethodTrainAgent:  domain.ScopeAgentsWrite,
	MethodSendMessage: domain.ScopeAgentsWrite,
	MethodStopAgent:   domain.ScopeAgentsWrite,
}

// AgentServer — gRPC-фасад над тем же Service, что и HTTP.
// Сообщения — google.protobuf.Struct, чтобы не тащить сгенерированный код.
type AgentServer struct {
	svc    *orchestrator.Service
	logger *zap.Logger
}

func NewAgentServer(svc *orchestrator.Service, logger *zap.Logger) *AgentServer {
	return &AgentServer{svc: svc, logger: logger.Named("grpc")}
}

func (s *AgentServer) ListAgents(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{"agents": s.svc.ListAgents()})
}

func (s *AgentServer) GetAgent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := structID(req)
	if err != nil {
		return nil, grpcError(err)
	}
	a, err := s.svc.GetAgent(id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(a)
}

func (s *AgentServer) TrainAgent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := structID(req)
	if err != nil {
		return nil, grpcError(err)
	}
	job, err := s.svc.TrainAgent(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(job)
}

func (s *AgentServer) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := structID(req)
	if err != nil {
		return nil, grpcError(err)
	}
	fields := req.GetFields()
	resp, err := s.svc.SendMessage(ctx, id, orchestrator.MessageRequest{
		Message: fields["message"].GetStringValue(),
		Sender:  fields["sender"].GetStringValue(),
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

func (s *AgentServer) StopAgent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := structID(req)
	if err != nil {
		return nil, grpcError(err)
	}
	res, err := s.svc.StopAgent(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(res)
}

// AgentServiceServer — то, что обычно генерирует protoc-gen-go-grpc.
type AgentServiceServer interface {
	ListAgents(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TrainAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterAgentServiceServer(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListAgents", Handler: listAgentsHandler},
		{MethodName: "GetAgent", Handler: structHandler(MethodGetAgent, AgentServiceServer.GetAgent)},
		{MethodName: "TrainAgent", Handler: structHandler(MethodTrainAgent, AgentServiceServer.TrainAgent)},
		{MethodName: "SendMessage", Handler: structHandler(MethodSendMessage, AgentServiceServer.SendMessage)},
		{MethodName: "StopAgent", Handler: structHandler(MethodStopAgent, AgentServiceServer.StopAgent)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentlab/v1/agent.proto",
}

func listAgentsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).ListAgents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListAgents}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServiceServer).ListAgents(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type structMethod func(AgentServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(fullMethod string, call structMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AgentServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// UnaryInterceptor проставляет trace-id и, если задан validator, проверяет
// токен из метаданных и скоуп метода. Health-чеки проходят без токена.
func UnaryInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		// 1. Trace-ID (в gRPC заголовки в нижнем регистре)
		traceID := firstMD(md, strings.ToLower(infra.TraceHeader))
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx = infra.WithTraceID(ctx, traceID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(infra.TraceHeader), traceID))

		// 2. Авторизация только для методов агентов
		scope, guarded := methodScopes[info.FullMethod]
		if v != nil && guarded {
			token := firstMD(md, "authorization")
			if token == "" {
				return nil, status.Error(codes.Unauthenticated, "missing access token")
			}
			claims, err := v.VerifyToken(token)
			if err != nil {
				logger.Warn("grpc token rejected", zap.String("method", info.FullMethod), zap.Error(err))
				return nil, status.Error(codes.Unauthenticated, "invalid token")
			}
			if !claims.Scopes[scope] {
				return nil, status.Errorf(codes.PermissionDenied, "scope %s required", scope)
			}
			ctx = auth.WithClaims(ctx, claims)
		}

		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("grpc call failed",
				zap.String("method", info.FullMethod),
				zap.String("trace_id", traceID),
				zap.Error(err))
		}
		return resp, err
	}
}

// NewGRPCServer собирает сервер: AgentService + стандартный health.
func NewGRPCServer(svc *orchestrator.Service, v auth.TokenValidator, logger *zap.Logger) (*grpc.Server, *health.Server) {
	logger = logger.Named("grpc")
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(v, logger)))
	RegisterAgentServiceServer(srv, NewAgentServer(svc, logger))

	hs := health.NewServer()
	hs.SetServingStatus(AgentServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func firstMD(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func structID(req *structpb.Struct) (int64, error) {
	v, ok := req.GetFields()["id"]
	if !ok {
		return 0, fmt.Errorf("%w: field id is required", domain.ErrInvalidRequest)
	}
	id := int64(v.GetNumberValue())
	if id <= 0 || float64(id) != v.GetNumberValue() {
		return 0, fmt.Errorf("%w: invalid agent id", domain.ErrInvalidRequest)
	}
	return id, nil
}

// toStruct — через JSON, чтобы сохранить те же имена полей, что и в HTTP.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrTrainingInProgress):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrPortExhausted):
		code = codes.ResourceExhausted
	}
	return status.Error(code, err.Error())
}
