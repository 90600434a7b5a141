// Package controlplane is the agent's client for the device registry.
package controlplane

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahkfinance/devicelock/internal/convert"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/registrypb"
)

// Client wraps the registry RPCs with domain types and error mapping.
type Client struct {
	rpc    registrypb.DeviceRegistryClient
	health healthpb.HealthClient
	log    *zap.Logger
}

// New builds a client over an existing connection.
func New(cc grpc.ClientConnInterface, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		rpc:    registrypb.NewDeviceRegistryClient(cc),
		health: healthpb.NewHealthClient(cc),
		log:    log.Named("controlplane"),
	}
}

// DialOptions selects transport security.
type DialOptions struct {
	CAFile   string
	Insecure bool
}

// Dial opens a lazily connecting client connection to the registry.
func Dial(addr string, o DialOptions) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	switch {
	case o.Insecure:
		creds = insecure.NewCredentials()
	case o.CAFile != "":
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in ca file")
		}
		creds = credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	default:
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

// fromStatus maps gRPC failures back onto errs sentinels.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", errs.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", errs.ErrValidation, st.Message())
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", errs.ErrUnauthorized, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", errs.ErrRateLimited, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", errs.ErrAlreadyExists, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		return fmt.Errorf("%w: %s", errs.ErrUnavailable, st.Message())
	default:
		return err
	}
}

// GetDevice reads the device document; errs.ErrNotFound when missing.
func (c *Client) GetDevice(ctx context.Context, id string) (model.Fields, error) {
	resp, err := c.rpc.GetDevice(ctx, wrapperspb.String(id))
	if err != nil {
		return nil, fromStatus(err)
	}
	_, f, err := convert.FromProtoDevice(resp)
	if err != nil {
		return nil, err
	}
	delete(f, model.FieldDeviceID)
	return f, nil
}

// PatchDevice merges fields into the document, creating it when the
// registry reports it missing.
func (c *Client) PatchDevice(ctx context.Context, id string, f model.Fields) error {
	req, err := convert.ToProtoPatch(id, f)
	if err != nil {
		return err
	}
	_, err = c.rpc.PatchDevice(ctx, req)
	err = fromStatus(err)
	if errors.Is(err, errs.ErrNotFound) {
		c.log.Debug("device missing, creating", zap.String("deviceId", id))
		_, err = c.rpc.SetDevice(ctx, req)
		return fromStatus(err)
	}
	return err
}

// SetDevice merges fields, creating the document if needed.
func (c *Client) SetDevice(ctx context.Context, id string, f model.Fields) error {
	req, err := convert.ToProtoPatch(id, f)
	if err != nil {
		return err
	}
	_, err = c.rpc.SetDevice(ctx, req)
	return fromStatus(err)
}

// BatchPatchAll applies f to every device; any failure fails the batch.
func (c *Client) BatchPatchAll(ctx context.Context, f model.Fields) (int, error) {
	req, err := convert.ToProtoFields(f)
	if err != nil {
		return 0, err
	}
	resp, err := c.rpc.BatchPatchAll(ctx, req)
	if err != nil {
		return 0, fromStatus(err)
	}
	return int(resp.GetFields()[convert.KeyUpdated].GetNumberValue()), nil
}

// PutLocationHistory writes one per-date history document.
func (c *Client) PutLocationHistory(ctx context.Context, id, date string, doc map[string]any) error {
	req, err := convert.ToProtoHistory(id, date, doc)
	if err != nil {
		return err
	}
	_, err = c.rpc.PutLocationHistory(ctx, req)
	return fromStatus(err)
}

// DocStream yields successive device documents.
type DocStream interface {
	Recv() (model.Fields, error)
}

type docStream struct {
	s grpc.ServerStreamingClient[structpb.Struct]
}

func (d docStream) Recv() (model.Fields, error) {
	msg, err := d.s.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: stream closed", errs.ErrUnavailable)
		}
		return nil, fromStatus(err)
	}
	_, f, err := convert.FromProtoDevice(msg)
	if err != nil {
		return nil, err
	}
	delete(f, model.FieldDeviceID)
	return f, nil
}

// WatchDevice opens a document change stream. The stream ends with ctx.
func (c *Client) WatchDevice(ctx context.Context, id string) (DocStream, error) {
	s, err := c.rpc.WatchDevice(ctx, wrapperspb.String(id))
	if err != nil {
		return nil, fromStatus(err)
	}
	return docStream{s: s}, nil
}

// Online reports whether the registry answers a health check.
func (c *Client) Online(ctx context.Context) bool {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		c.log.Debug("registry unreachable", zap.Error(err))
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// operator-side calls used by the console

// RegisterOperator creates a console account.
func (c *Client) RegisterOperator(ctx context.Context, username, password string) (string, error) {
	resp, err := c.rpc.RegisterOperator(ctx, convert.ToProtoCredentials(username, password))
	if err != nil {
		return "", fromStatus(err)
	}
	return resp.GetFields()["operatorId"].GetStringValue(), nil
}

// Login returns an operator access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	resp, err := c.rpc.Login(ctx, convert.ToProtoCredentials(username, password))
	if err != nil {
		return "", fromStatus(err)
	}
	return resp.GetFields()["accessToken"].GetStringValue(), nil
}

// SetDeviceFields applies an operator edit to one device.
func (c *Client) SetDeviceFields(ctx context.Context, id string, f model.Fields) error {
	req, err := convert.ToProtoPatch(id, f)
	if err != nil {
		return err
	}
	_, err = c.rpc.SetDeviceFields(ctx, req)
	return fromStatus(err)
}

// ListDevices returns every device document, each including deviceId.
func (c *Client) ListDevices(ctx context.Context) ([]model.Fields, error) {
	resp, err := c.rpc.ListDevices(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fromStatus(err)
	}
	return convert.FromProtoDevices(resp)
}

// GetLocationHistory returns a device's per-date history documents.
func (c *Client) GetLocationHistory(ctx context.Context, id string) ([]map[string]any, error) {
	resp, err := c.rpc.GetLocationHistory(ctx, wrapperspb.String(id))
	if err != nil {
		return nil, fromStatus(err)
	}
	return convert.FromProtoHistoryList(resp), nil
}
