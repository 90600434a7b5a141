// Package grpcserver exposes the device registry gRPC handlers.
package grpcserver

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahkfinance/devicelock/internal/convert"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/registrypb"
	"github.com/ahkfinance/devicelock/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	registrypb.UnimplementedDeviceRegistryServer
	auth    service.AuthService
	devices service.DeviceService
	signKey []byte
	log     *zap.Logger
}

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, devices service.DeviceService, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, devices: devices, signKey: signKey, log: log}
}

// toStatus maps domain errors to gRPC codes.
func toStatus(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrUnknownKey):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

// --- Operators ---

// RegisterOperator creates a new console account.
func (s *Server) RegisterOperator(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, password := convert.FromProtoCredentials(req)
	if username == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username/password")
	}
	id, err := s.auth.Register(ctx, username, password)
	if err != nil {
		return nil, toStatus(err, "register")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"operatorId": structpb.NewStringValue(id),
	}}, nil
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// Login authenticates an operator and returns an access token.
func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, password := convert.FromProtoCredentials(req)
	tok, _, err := s.auth.LoginWithIP(ctx, username, password, remoteIP(ctx))
	if err != nil {
		return nil, toStatus(err, "login")
	}
	return convert.ToProtoTokens(tok), nil
}

// --- Device endpoints ---

// GetDevice returns one device document.
func (s *Server) GetDevice(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	doc, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err, "get device")
	}
	out, err := convert.ToProtoDevice(id, doc)
	if err != nil {
		return nil, toStatus(err, "get device")
	}
	return out, nil
}

// PatchDevice merges fields into an existing document.
func (s *Server) PatchDevice(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, f, err := convert.FromProtoPatch(req)
	if err != nil {
		return nil, toStatus(err, "patch")
	}
	if err := s.devices.Patch(ctx, id, f); err != nil {
		return nil, toStatus(err, "patch")
	}
	return &emptypb.Empty{}, nil
}

// SetDevice merges fields, creating the document when missing.
func (s *Server) SetDevice(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, f, err := convert.FromProtoPatch(req)
	if err != nil {
		return nil, toStatus(err, "set")
	}
	if err := s.devices.Set(ctx, id, f); err != nil {
		return nil, toStatus(err, "set")
	}
	return &emptypb.Empty{}, nil
}

// WatchDevice streams the current document, then every later change.
func (s *Server) WatchDevice(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	id := req.GetValue()

	ch, cancel, err := s.devices.Watch(ctx, id)
	if err != nil {
		return toStatus(err, "watch")
	}
	defer cancel()

	// Subscribed before reading, so no change between the two is lost.
	doc, err := s.devices.Get(ctx, id)
	switch {
	case err == nil:
		if err := s.send(stream, id, doc); err != nil {
			return err
		}
	case errors.Is(err, errs.ErrNotFound):
		// an unregistered device waits for its first write
	default:
		return toStatus(err, "watch")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case doc := <-ch:
			if err := s.send(stream, id, doc); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream grpc.ServerStreamingServer[structpb.Struct], id string, doc model.Fields) error {
	out, err := convert.ToProtoDevice(id, doc)
	if err != nil {
		return toStatus(err, "watch")
	}
	return stream.Send(out)
}

// PutLocationHistory stores one date of location history.
func (s *Server) PutLocationHistory(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, date, doc, err := convert.FromProtoHistory(req)
	if err != nil {
		return nil, toStatus(err, "put history")
	}
	if err := s.devices.PutHistory(ctx, id, date, doc); err != nil {
		return nil, toStatus(err, "put history")
	}
	return &emptypb.Empty{}, nil
}

// --- Operator endpoints ---

// SetDeviceFields applies an operator edit to one device.
func (s *Server) SetDeviceFields(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ctx, err := s.requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	id, f, err := convert.FromProtoPatch(req)
	if err != nil {
		return nil, toStatus(err, "set fields")
	}
	if err := s.devices.OperatorSet(ctx, id, f); err != nil {
		return nil, toStatus(err, "set fields")
	}
	opID, _ := OperatorIDFromCtx(ctx)
	s.log.Info("operator edit", zap.String("operator", opID.String()), zap.String("deviceId", id))
	return &emptypb.Empty{}, nil
}

// ListDevices returns every device document.
func (s *Server) ListDevices(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ctx, err := s.requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.devices.List(ctx)
	if err != nil {
		return nil, toStatus(err, "list")
	}
	byID := make(map[string]model.Fields, len(docs))
	order := make([]string, 0, len(docs))
	for _, d := range docs {
		byID[d.ID] = d.Doc
		order = append(order, d.ID)
	}
	sort.Strings(order)
	out, err := convert.ToProtoDevices(byID, order)
	if err != nil {
		return nil, toStatus(err, "list")
	}
	return out, nil
}

// BatchPatchAll merges fields into every device.
func (s *Server) BatchPatchAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	f, err := convert.FromProtoFields(req)
	if err != nil {
		return nil, toStatus(err, "batch patch")
	}
	n, err := s.devices.BatchPatchAll(ctx, f)
	if err != nil {
		return nil, toStatus(err, "batch patch")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		convert.KeyUpdated: structpb.NewNumberValue(float64(n)),
	}}, nil
}

// GetLocationHistory returns a device's stored location history.
func (s *Server) GetLocationHistory(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	ctx, err := s.requireOperator(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.devices.ListHistory(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err, "get history")
	}
	out, err := convert.ToProtoHistoryList(docs)
	if err != nil {
		return nil, toStatus(err, "get history")
	}
	return out, nil
}

func (s *Server) requireOperator(ctx context.Context) (context.Context, error) {
	id, err := s.operatorIDFromCtx(ctx)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "no auth")
	}
	return WithOperatorID(ctx, id), nil
}

// operatorIDFromCtx: extract "authorization: Bearer <JWT>", verify HS256, return sub as UUID.
func (s *Server) operatorIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
