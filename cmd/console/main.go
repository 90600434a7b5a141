// Command devicelock-console is the operator console for the device registry.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ahkfinance/devicelock/internal/controlplane"
	"github.com/ahkfinance/devicelock/internal/errs"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "devicelock")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "devicelock")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", errors.New("no saved token (login required)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp from an access token without verifying it; the
// registry is the one that checks signatures.
func tokenExpiry(tok string, now time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(15 * time.Minute)
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

type dialFlags struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev only
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

func dial(d dialFlags, bearer string) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if d.plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(d.caPath, d.insecure); err != nil {
			return nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !d.plaintext}))
	}
	return grpc.NewClient(d.addr, opts...)
}

// ---- utils ----

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `devicelock-console
Usage:
  devicelock-console --addr HOST:PORT [--cacert file | --insecure | --plaintext] <cmd> [args]

Commands:
  version
  register          -u <username> [-p <password>]
  login             -u <username> [-p <password>]      (saves token)
  list                                                 (JSON)
  lock              --device <id>
  unlock            --device <id>
  set-due-date      --device <id> --date YYYY-MM-DD [--amount A] [--details D]
  set-payment-link  (--device <id> | --all) --url <link>
  export-locations  --out <file.xlsx> [--device <id>]...
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands; every command except version and the
// account commands uses the saved operator token.
func main() {
	var d dialFlags
	fs := pflag.CommandLine
	fs.SetInterspersed(false)
	fs.StringVar(&d.addr, "addr", "localhost:8443", "registry address")
	fs.StringVar(&d.caPath, "cacert", "", "CA cert (PEM)")
	fs.BoolVar(&d.insecure, "insecure", false, "skip cert verify (dev)")
	fs.BoolVar(&d.plaintext, "plaintext", false, "no TLS (dev registry)")
	pflag.Usage = usage
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
	}
	cmd, args := pflag.Arg(0), pflag.Args()[1:]
	if cmd == "version" {
		fmt.Printf("devicelock-console %s (%s)\n", version, buildDate)
		return
	}

	bearer := ""
	if cmd != "register" && cmd != "login" {
		tok, err := loadToken()
		if err != nil {
			fail(err)
		}
		bearer = tok
	}
	cc, err := dial(d, bearer)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c := &console{reg: controlplane.New(cc, nil), out: os.Stdout, password: promptPassword, now: time.Now}
	run, ok := c.commands()[cmd]
	if !ok {
		usage()
	}
	if err := run(ctx, args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(2)
		}
		fail(err)
	}
}

func fail(err error) {
	if errors.Is(err, errs.ErrUnauthorized) {
		err = fmt.Errorf("%w (login again)", err)
	}
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
