package agentapi

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahkfinance/devicelock/internal/crypto"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/lockstate"
	"github.com/ahkfinance/devicelock/internal/privilege"
	"github.com/ahkfinance/devicelock/internal/registrypb"
	"github.com/ahkfinance/devicelock/internal/secretstore"
)

type fakeMachine struct {
	mu      sync.Mutex
	state   lockstate.State
	pinHash string
	model   string
	watch   chan lockstate.State
}

var _ Machine = (*fakeMachine)(nil)

func (f *fakeMachine) Register(_ context.Context, pin, deviceModel string) error {
	if err := crypto.ValidatePIN(pin); err != nil {
		return err
	}
	if deviceModel == "" {
		return errs.Validationf("device model required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinHash, f.model = crypto.HashPIN(pin), deviceModel
	f.state.Registered = true
	return nil
}

func (f *fakeMachine) OfflineUnlock(_ context.Context, pin string) (bool, error) {
	if err := crypto.ValidatePIN(pin); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Registered {
		return false, errs.ErrNotRegistered
	}
	if !crypto.VerifyPIN(pin, f.pinHash) {
		return false, nil
	}
	f.state.Locked = false
	return true, nil
}

func (f *fakeMachine) State(context.Context) (lockstate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeMachine) WatchState(context.Context) (<-chan lockstate.State, func(), error) {
	return f.watch, func() {}, nil
}

type fixedLink string

func (l fixedLink) Get(context.Context) string { return string(l) }

func dial(t *testing.T, srv *Server) registrypb.AgentControlClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(srv, nil)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return registrypb.NewAgentControlClient(cc)
}

func newStore(t *testing.T) *secretstore.Store {
	t.Helper()
	st, err := secretstore.Open(secretstore.Options{Dir: t.TempDir(), Secret: []byte("ui")})
	require.NoError(t, err)
	return st
}

func creds(pin, deviceModel string) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]any{"pin": pin, "deviceModel": deviceModel})
	return s
}

func TestRegisterAndOfflineUnlock(t *testing.T) {
	ctx := context.Background()
	m := &fakeMachine{state: lockstate.State{Tier: privilege.DeviceAdmin}}
	client := dial(t, New(m, newStore(t), fixedLink("https://pay.example"), nil, nil))

	_, err := client.OfflineUnlock(ctx, wrapperspb.String("1234"))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.Register(ctx, creds("12", "Pixel"))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = client.Register(ctx, creds("1234", ""))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Register(ctx, creds("1234", "Pixel"))
	require.NoError(t, err)

	m.state.Locked = true
	ok, err := client.OfflineUnlock(ctx, wrapperspb.String("9999"))
	require.NoError(t, err)
	require.False(t, ok.GetValue())

	ok, err = client.OfflineUnlock(ctx, wrapperspb.String("1234"))
	require.NoError(t, err)
	require.True(t, ok.GetValue())

	_, err = client.OfflineUnlock(ctx, wrapperspb.String("12x4"))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLockScreenAndPaymentLink(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.Edit(func(b *secretstore.Batch) error {
		for k, v := range map[secretstore.Key]any{
			secretstore.KeyDueAmount:    "2500",
			secretstore.KeyDueDate:      "2025-02-01",
			secretstore.KeyCustomerName: "Karim",
			secretstore.KeyPINHash:      crypto.HashPIN("1234"),
		} {
			if err := b.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	}))
	m := &fakeMachine{state: lockstate.State{Registered: true, Locked: true, Tier: privilege.DeviceOwner, Bypass: privilege.BypassFull, OfflineUnlockCount: 2}}
	host := privilege.NewExecHost(nil)
	client := dial(t, New(m, st, fixedLink("https://pay.example/x"), host, nil))

	view, err := client.LockScreen(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	f := view.AsMap()
	require.Equal(t, "2500", f["dueAmount"])
	require.Equal(t, "Karim", f["customerName"])
	require.Equal(t, true, f["locked"])
	require.Equal(t, "device_owner", f["tier"])
	require.Equal(t, "full", f["bypass"])
	require.Equal(t, 2.0, f["offlineUnlockCount"])
	require.NotContains(t, f, "pinHash")
	require.Equal(t, false, f["overlayActive"])

	require.NoError(t, host.ShowAlertOverlay(ctx, true))
	view, err = client.LockScreen(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	require.Equal(t, true, view.AsMap()["overlayActive"])

	link, err := client.PaymentLink(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/x", link.GetValue())
}

func TestWatchState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &fakeMachine{watch: make(chan lockstate.State, 2)}
	m.watch <- lockstate.State{Registered: true, Tier: privilege.Accessibility}
	m.watch <- lockstate.State{Registered: true, Locked: true, Tier: privilege.Accessibility, Warning: "overlay permission not granted"}
	client := dial(t, New(m, newStore(t), fixedLink(""), nil, nil))

	stream, err := client.WatchState(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, false, first.AsMap()["locked"])
	require.NotContains(t, first.AsMap(), "warning")

	second, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, true, second.AsMap()["locked"])
	require.Equal(t, "overlay permission not granted", second.AsMap()["warning"])
}

func TestListen_ReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "agent.sock")
	lis, err := Listen(path)
	require.NoError(t, err)
	lis.Close()

	lis, err = Listen(path)
	require.NoError(t, err)
	require.NoError(t, lis.Close())
}
