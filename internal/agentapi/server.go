// Package agentapi serves the host UI over a local unix socket: registration,
// the lock-screen view, offline unlock, the payment link and a state stream.
package agentapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/lockstate"
	"github.com/ahkfinance/devicelock/internal/registrypb"
	"github.com/ahkfinance/devicelock/internal/secretstore"
	grpcserver "github.com/ahkfinance/devicelock/internal/server/grpc"
)

// Machine is the lock state machine as seen by the UI.
type Machine interface {
	Register(ctx context.Context, pin, deviceModel string) error
	OfflineUnlock(ctx context.Context, pin string) (bool, error)
	State(ctx context.Context) (lockstate.State, error)
	WatchState(ctx context.Context) (<-chan lockstate.State, func(), error)
}

// Links returns the current payment link.
type Links interface {
	Get(ctx context.Context) string
}

// Overlay reports whether the host has an overlay primitive engaged.
type Overlay interface {
	OverlayActive() bool
}

// Server implements registrypb.AgentControlServer.
type Server struct {
	registrypb.UnimplementedAgentControlServer
	machine Machine
	store   *secretstore.Store
	links   Links
	overlay Overlay
	log     *zap.Logger
}

// New builds the UI service. overlay may be nil when the host draws nothing.
func New(m Machine, store *secretstore.Store, links Links, overlay Overlay, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{machine: m, store: store, links: links, overlay: overlay, log: log.Named("agentapi")}
}

func toStatus(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrValidation):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Errorf(codes.AlreadyExists, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotRegistered):
		return status.Error(codes.FailedPrecondition, "device not registered")
	case errors.Is(err, lockstate.ErrStopped):
		return status.Error(codes.Unavailable, "agent shutting down")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

// Register handles {pin, deviceModel}.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	f := req.GetFields()
	pin := f["pin"].GetStringValue()
	deviceModel := f["deviceModel"].GetStringValue()
	if err := s.machine.Register(ctx, pin, deviceModel); err != nil {
		return nil, toStatus(err, "register")
	}
	return &emptypb.Empty{}, nil
}

// displayKeys are shown on the lock screen.
var displayKeys = []secretstore.Key{
	secretstore.KeyDeviceID,
	secretstore.KeyDueDate,
	secretstore.KeyDueAmount,
	secretstore.KeyDueDetails,
	secretstore.KeyCustomerName,
	secretstore.KeyCustomerPhone,
	secretstore.KeyDeviceModel,
	secretstore.KeyIMEI,
	secretstore.KeyPaymentLink,
}

// LockScreen returns the lock-screen view read from the store.
func (s *Server) LockScreen(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.machine.State(ctx)
	if err != nil {
		return nil, toStatus(err, "lock screen")
	}
	view := map[string]any{}
	for _, k := range displayKeys {
		if v := s.store.String(k); v != "" {
			view[string(k)] = v
		}
	}
	for k, v := range stateFields(st) {
		view[k] = v
	}
	if s.overlay != nil {
		view["overlayActive"] = s.overlay.OverlayActive()
	}
	out, err := structpb.NewStruct(view)
	if err != nil {
		return nil, toStatus(err, "lock screen")
	}
	return out, nil
}

// OfflineUnlock checks a 4-digit PIN.
func (s *Server) OfflineUnlock(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	ok, err := s.machine.OfflineUnlock(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err, "offline unlock")
	}
	return wrapperspb.Bool(ok), nil
}

// PaymentLink returns the payment URL; it never fails.
func (s *Server) PaymentLink(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.links.Get(ctx)), nil
}

// WatchState streams the current state and every change after it.
func (s *Server) WatchState(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	ch, cancel, err := s.machine.WatchState(ctx)
	if err != nil {
		return toStatus(err, "watch state")
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-ch:
			out, err := structpb.NewStruct(stateFields(st))
			if err != nil {
				return toStatus(err, "watch state")
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func stateFields(st lockstate.State) map[string]any {
	m := map[string]any{
		"registered":         st.Registered,
		"locked":             st.Locked,
		"tier":               st.Tier.String(),
		"bypass":             st.Bypass.String(),
		"offlineUnlockCount": st.OfflineUnlockCount,
	}
	if st.Source != "" {
		m["source"] = string(st.Source)
	}
	if st.Warning != "" {
		m["warning"] = st.Warning
	}
	return m
}

// NewGRPCServer returns a gRPC server with logging and panic recovery and
// the agent service registered.
func NewGRPCServer(srv *Server, log *zap.Logger) *grpc.Server {
	if log == nil {
		log = zap.NewNop()
	}
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcserver.RecoverUnary(log), grpcserver.LoggingUnary(log)),
		grpc.ChainStreamInterceptor(grpcserver.RecoverStream(log), grpcserver.LoggingStream(log)),
	)
	registrypb.RegisterAgentControlServer(gs, srv)
	return gs
}

// Listen opens the unix socket at path, replacing a stale socket file.
// Only the owner and group may connect.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("agentapi: socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("agentapi: remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("agentapi: listen: %w", err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		lis.Close()
		return nil, fmt.Errorf("agentapi: chmod socket: %w", err)
	}
	return lis, nil
}
