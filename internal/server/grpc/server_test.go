package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahkfinance/devicelock/internal/convert"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/registrypb"
	"github.com/ahkfinance/devicelock/internal/service"
)

type fakeAuth struct {
	id       uuid.UUID
	loginErr error
}

var _ service.AuthService = (*fakeAuth)(nil)

func (f *fakeAuth) Register(context.Context, string, string) (string, error) {
	if f.id == uuid.Nil {
		f.id = uuid.Must(uuid.NewV4())
	}
	return f.id.String(), nil
}
func (f *fakeAuth) LoginWithIP(context.Context, string, string, string) (model.Tokens, model.Operator, error) {
	if f.loginErr != nil {
		return model.Tokens{}, model.Operator{}, f.loginErr
	}
	return model.Tokens{AccessToken: "dummy", ExpiresAt: time.Now().Add(time.Minute)}, model.Operator{ID: f.id}, nil
}

// memDevices is an in-memory DeviceService backed by a real hub.
type memDevices struct {
	mu      sync.Mutex
	docs    map[string]model.Fields
	hub     *service.Hub
	opEdits int
	history map[string][]map[string]any
}

var _ service.DeviceService = (*memDevices)(nil)

func newMemDevices() *memDevices {
	return &memDevices{docs: map[string]model.Fields{}, hub: service.NewHub(), history: map[string][]map[string]any{}}
}

func (m *memDevices) Get(_ context.Context, id string) (model.Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	out := model.Fields{}
	for k, v := range d {
		out[k] = v
	}
	return out, nil
}

func (m *memDevices) write(id string, f model.Fields, create bool) error {
	m.mu.Lock()
	d, ok := m.docs[id]
	if !ok && !create {
		m.mu.Unlock()
		return errs.ErrNotFound
	}
	if !ok {
		d = model.Fields{}
		m.docs[id] = d
	}
	for k, v := range f {
		d[k] = v
	}
	m.mu.Unlock()
	doc, _ := m.Get(context.Background(), id)
	m.hub.Publish(id, doc)
	return nil
}

func (m *memDevices) Patch(_ context.Context, id string, f model.Fields) error {
	return m.write(id, f, false)
}
func (m *memDevices) Set(_ context.Context, id string, f model.Fields) error {
	return m.write(id, f, true)
}
func (m *memDevices) OperatorSet(_ context.Context, id string, f model.Fields) error {
	m.mu.Lock()
	m.opEdits++
	m.mu.Unlock()
	return m.write(id, f, true)
}
func (m *memDevices) Watch(_ context.Context, id string) (<-chan model.Fields, func(), error) {
	ch, cancel := m.hub.Subscribe(id)
	return ch, cancel, nil
}
func (m *memDevices) List(context.Context) ([]model.DeviceDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeviceDoc
	for id, d := range m.docs {
		out = append(out, model.DeviceDoc{ID: id, Doc: d})
	}
	return out, nil
}
func (m *memDevices) BatchPatchAll(ctx context.Context, f model.Fields) (int, error) {
	docs, _ := m.List(ctx)
	for _, d := range docs {
		_ = m.write(d.ID, f, false)
	}
	return len(docs), nil
}
func (m *memDevices) PutHistory(_ context.Context, id, date string, doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[id] = append(m.history[id], doc)
	return nil
}
func (m *memDevices) ListHistory(_ context.Context, id string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[id], nil
}

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, srv *Server) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	registrypb.RegisterDeviceRegistryServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return cc, stop
}

func jwtFor(t *testing.T, sub string, key []byte, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl + 5*time.Second)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func ctxAuth(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+token))
}

func outAuth(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func patchReq(t *testing.T, id string, f model.Fields) *structpb.Struct {
	t.Helper()
	req, err := convert.ToProtoPatch(id, f)
	require.NoError(t, err)
	return req
}

func TestServer_E2E_DeviceFlow(t *testing.T) {
	t.Parallel()

	signKey := []byte("test-secret")
	a := &fakeAuth{id: uuid.Must(uuid.NewV4())}
	devs := newMemDevices()
	cc, stop := startBufGRPC(t, New(a, devs, signKey, nil))
	defer stop()
	cl := registrypb.NewDeviceRegistryClient(cc)
	ctx := context.Background()

	_, err := cl.PatchDevice(ctx, patchReq(t, "dev-1", model.Fields{model.FieldLocked: true}))
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = cl.SetDevice(ctx, patchReq(t, "dev-1", model.Fields{model.FieldLocked: true, model.FieldOfflineUnlockCount: int64(2)}))
	require.NoError(t, err)

	doc, err := cl.GetDevice(ctx, wrapperspb.String("dev-1"))
	require.NoError(t, err)
	require.Equal(t, "dev-1", doc.GetFields()[model.FieldDeviceID].GetStringValue())
	require.True(t, doc.GetFields()[model.FieldLocked].GetBoolValue())
	require.EqualValues(t, 2, doc.GetFields()[model.FieldOfflineUnlockCount].GetNumberValue())

	_, err = cl.GetDevice(ctx, wrapperspb.String("missing"))
	require.Equal(t, codes.NotFound, status.Code(err))

	bad := patchReq(t, "dev-1", model.Fields{})
	bad.Fields[convert.KeyFields].GetStructValue().Fields["colour"] = structpb.NewStringValue("red")
	_, err = cl.SetDevice(ctx, bad)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	hist, err := convert.ToProtoHistory("dev-1", "16-01-2025", map[string]any{"date": "16-01-2025"})
	require.NoError(t, err)
	_, err = cl.PutLocationHistory(ctx, hist)
	require.NoError(t, err)
}

func TestServer_E2E_WatchSendsCurrentThenChanges(t *testing.T) {
	t.Parallel()

	devs := newMemDevices()
	require.NoError(t, devs.Set(context.Background(), "dev-1", model.Fields{model.FieldLocked: false}))
	cc, stop := startBufGRPC(t, New(&fakeAuth{}, devs, []byte("k"), nil))
	defer stop()
	cl := registrypb.NewDeviceRegistryClient(cc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := cl.WatchDevice(ctx, wrapperspb.String("dev-1"))
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	require.False(t, first.GetFields()[model.FieldLocked].GetBoolValue())

	require.Eventually(t, func() bool { return devs.hub.Watchers("dev-1") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, devs.Patch(context.Background(), "dev-1", model.Fields{model.FieldLocked: true}))

	next, err := stream.Recv()
	require.NoError(t, err)
	require.True(t, next.GetFields()[model.FieldLocked].GetBoolValue())
}

func TestServer_E2E_OperatorEndpoints(t *testing.T) {
	t.Parallel()

	signKey := []byte("test-secret")
	a := &fakeAuth{id: uuid.Must(uuid.NewV4())}
	devs := newMemDevices()
	cc, stop := startBufGRPC(t, New(a, devs, signKey, nil))
	defer stop()
	cl := registrypb.NewDeviceRegistryClient(cc)
	ctx := context.Background()

	reg, err := cl.RegisterOperator(ctx, convert.ToProtoCredentials("rahim", "pw"))
	require.NoError(t, err)
	require.Equal(t, a.id.String(), reg.GetFields()["operatorId"].GetStringValue())

	login, err := cl.Login(ctx, convert.ToProtoCredentials("rahim", "pw"))
	require.NoError(t, err)
	require.Equal(t, "dummy", login.GetFields()["accessToken"].GetStringValue())

	_, err = cl.ListDevices(ctx, &emptypb.Empty{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := outAuth(ctx, jwtFor(t, a.id.String(), signKey, time.Minute))

	_, err = cl.SetDeviceFields(authed, patchReq(t, "b", model.Fields{model.FieldDueAmount: "500"}))
	require.NoError(t, err)
	_, err = cl.SetDeviceFields(authed, patchReq(t, "a", model.Fields{model.FieldDueAmount: "700"}))
	require.NoError(t, err)
	require.Equal(t, 2, devs.opEdits)

	list, err := cl.ListDevices(authed, &emptypb.Empty{})
	require.NoError(t, err)
	require.Len(t, list.GetValues(), 2)
	require.Equal(t, "a", list.GetValues()[0].GetStructValue().GetFields()[model.FieldDeviceID].GetStringValue())

	batch, err := structpb.NewStruct(map[string]any{model.FieldPaymentLink: "https://pay.example/x"})
	require.NoError(t, err)
	res, err := cl.BatchPatchAll(authed, batch)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.GetFields()[convert.KeyUpdated].GetNumberValue())

	require.NoError(t, devs.PutHistory(ctx, "a", "16-01-2025", map[string]any{"date": "16-01-2025"}))
	hist, err := cl.GetLocationHistory(authed, wrapperspb.String("a"))
	require.NoError(t, err)
	require.Len(t, hist.GetValues(), 1)
}

func TestServer_LoginErrorMapping(t *testing.T) {
	t.Parallel()

	a := &fakeAuth{loginErr: errs.ErrRateLimited}
	s := New(a, newMemDevices(), []byte("k"), nil)
	_, err := s.Login(context.Background(), convert.ToProtoCredentials("u", "p"))
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	a.loginErr = errs.ErrUnauthorized
	_, err = s.Login(context.Background(), convert.ToProtoCredentials("u", "p"))
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func Test_toStatus(t *testing.T) {
	t.Parallel()

	cases := map[error]codes.Code{
		errs.Validationf("x"):       codes.InvalidArgument,
		errs.ErrNotFound:            codes.NotFound,
		errs.ErrAlreadyExists:       codes.AlreadyExists,
		context.DeadlineExceeded:    codes.DeadlineExceeded,
		errors.New("pool exhausted"): codes.Internal,
	}
	for err, want := range cases {
		require.Equal(t, want, status.Code(toStatus(err, "op")), err.Error())
	}
	require.NoError(t, toStatus(nil, "op"))
}

func Test_remoteIP_EmptyIsOk(t *testing.T) {
	if got := remoteIP(context.Background()); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
}

func Test_RegisterOperator_EmptyFields(t *testing.T) {
	s := &Server{signKey: []byte("k")}
	_, err := s.RegisterOperator(context.Background(), &structpb.Struct{})
	if st, ok := status.FromError(err); !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}

func Test_OperatorEndpoints_Unauthenticated(t *testing.T) {
	s := &Server{signKey: []byte("k")}
	ctx := context.Background()

	_, err := s.SetDeviceFields(ctx, &structpb.Struct{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = s.BatchPatchAll(ctx, &structpb.Struct{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = s.GetLocationHistory(ctx, wrapperspb.String("d"))
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func Test_SetDeviceFields_BadRequest_WithAuth(t *testing.T) {
	key := []byte("secret")
	s := &Server{signKey: key}
	ctx := ctxAuth(jwtFor(t, uuid.Must(uuid.NewV4()).String(), key, time.Hour))

	_, err := s.SetDeviceFields(ctx, &structpb.Struct{})
	if st, ok := status.FromError(err); !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}

func Test_bearerTokenFromMD_MultipleHeaders_CaseInsensitive_Spaces(t *testing.T) {
	t.Parallel()
	md := metadata.New(nil)
	md.Append("authorization", "Basic foo")
	md.Append("authorization", "  bearer   tok.part.sig   ")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "tok.part.sig" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}

func Test_operatorIDFromCtx_NotBeforeInFuture(t *testing.T) {
	t.Parallel()
	key := []byte("k")
	s := &Server{signKey: key}
	nbf := time.Now().UTC().Add(10 * time.Minute)
	claims := jwt.RegisteredClaims{
		Subject:   uuid.Must(uuid.NewV4()).String(),
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		NotBefore: jwt.NewNumericDate(nbf),
		ExpiresAt: jwt.NewNumericDate(nbf.Add(time.Hour)),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if _, err := s.operatorIDFromCtx(ctxAuth(tok)); err == nil {
		t.Fatalf("expected error for nbf in future")
	}
}

func Test_operatorIDFromCtx_WrongKeySignature(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   uuid.Must(uuid.NewV4()).String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("signer"))
	s := &Server{signKey: []byte("verifier")}
	if _, err := s.operatorIDFromCtx(ctxAuth(tok)); err == nil {
		t.Fatalf("expected invalid signature error")
	}
}

type loopbackAddr struct{}

func (loopbackAddr) Network() string { return "tcp" }
func (loopbackAddr) String() string  { return "127.0.0.1:5555" }

func Test_remoteIP_WithPeer(t *testing.T) {
	t.Parallel()
	pctx := peer.NewContext(context.Background(), &peer.Peer{Addr: loopbackAddr{}})
	if got := remoteIP(pctx); got == "" {
		t.Fatalf("expected non-empty peer ip:port")
	}
}
