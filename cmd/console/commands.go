package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ahkfinance/devicelock/internal/controlplane"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

// registry is the part of the control-plane client the console uses.
type registry interface {
	RegisterOperator(ctx context.Context, username, password string) (string, error)
	Login(ctx context.Context, username, password string) (string, error)
	SetDeviceFields(ctx context.Context, id string, f model.Fields) error
	BatchPatchAll(ctx context.Context, f model.Fields) (int, error)
	ListDevices(ctx context.Context) ([]model.Fields, error)
	GetLocationHistory(ctx context.Context, id string) ([]map[string]any, error)
}

var _ registry = (*controlplane.Client)(nil)

type console struct {
	reg      registry
	out      io.Writer
	password func() (string, error)
	now      func() time.Time
}

func (c *console) commands() map[string]func(context.Context, []string) error {
	return map[string]func(context.Context, []string) error{
		"register":         c.register,
		"login":            c.login,
		"list":             c.list,
		"lock":             func(ctx context.Context, args []string) error { return c.setLocked(ctx, "lock", true, args) },
		"unlock":           func(ctx context.Context, args []string) error { return c.setLocked(ctx, "unlock", false, args) },
		"set-due-date":     c.setDueDate,
		"set-payment-link": c.setPaymentLink,
		"export-locations": c.exportLocations,
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// promptPassword reads a password from the terminal with echo disabled.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errs.Validationf("no terminal for password prompt (use -p)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func (c *console) credentials(name string, args []string) (string, string, error) {
	fs := newFlagSet(name)
	u := fs.StringP("username", "u", "", "username")
	p := fs.StringP("password", "p", "", "password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	if *u == "" {
		return "", "", errs.Validationf("need -u")
	}
	if *p == "" {
		pw, err := c.password()
		if err != nil {
			return "", "", err
		}
		*p = pw
	}
	return *u, *p, nil
}

func (c *console) register(ctx context.Context, args []string) error {
	u, p, err := c.credentials("register", args)
	if err != nil {
		return err
	}
	id, err := c.reg.RegisterOperator(ctx, u, p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, id)
	return err
}

func (c *console) login(ctx context.Context, args []string) error {
	u, p, err := c.credentials("login", args)
	if err != nil {
		return err
	}
	tok, err := c.reg.Login(ctx, u, p)
	if err != nil {
		return err
	}
	if err := saveToken(tok, tokenExpiry(tok, c.now())); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "ok")
	return err
}

func (c *console) list(ctx context.Context, args []string) error {
	if err := newFlagSet("list").Parse(args); err != nil {
		return err
	}
	docs, err := c.reg.ListDevices(ctx)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []model.Fields{}
	}
	return printJSON(c.out, docs)
}

func deviceFlag(fs *pflag.FlagSet) *string {
	return fs.String("device", "", "device id")
}

func (c *console) setLocked(ctx context.Context, name string, locked bool, args []string) error {
	fs := newFlagSet(name)
	id := deviceFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errs.Validationf("need --device")
	}
	if err := c.reg.SetDeviceFields(ctx, *id, model.Fields{model.FieldLocked: locked}); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, "ok")
	return err
}

func (c *console) setDueDate(ctx context.Context, args []string) error {
	fs := newFlagSet("set-due-date")
	id := deviceFlag(fs)
	date := fs.String("date", "", "due date YYYY-MM-DD")
	amount := fs.String("amount", "", "amount due")
	details := fs.String("details", "", "due details")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *date == "" {
		return errs.Validationf("need --device and --date")
	}
	if _, err := time.Parse(time.DateOnly, *date); err != nil {
		return errs.Validationf("bad --date %q: want YYYY-MM-DD", *date)
	}
	f := model.Fields{model.FieldDueDate: *date}
	if fs.Changed("amount") {
		f[model.FieldDueAmount] = *amount
	}
	if fs.Changed("details") {
		f[model.FieldDueDetails] = *details
	}
	if err := c.reg.SetDeviceFields(ctx, *id, f); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, "ok")
	return err
}

func (c *console) setPaymentLink(ctx context.Context, args []string) error {
	fs := newFlagSet("set-payment-link")
	id := deviceFlag(fs)
	all := fs.Bool("all", false, "every device")
	link := fs.String("url", "", "payment link")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *link == "" || (*id == "") == !*all {
		return errs.Validationf("need --url and exactly one of --device or --all")
	}
	f := model.Fields{model.FieldPaymentLink: *link}
	if *all {
		n, err := c.reg.BatchPatchAll(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(c.out, map[string]int{"updated": n})
	}
	if err := c.reg.SetDeviceFields(ctx, *id, f); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, "ok")
	return err
}

func (c *console) exportLocations(ctx context.Context, args []string) error {
	fs := newFlagSet("export-locations")
	ids := fs.StringArray("device", nil, "device id (repeatable; all devices when omitted)")
	out := fs.String("out", "", "output .xlsx path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errs.Validationf("need --out")
	}
	if len(*ids) == 0 {
		docs, err := c.reg.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			*ids = append(*ids, d.String(model.FieldDeviceID))
		}
		sort.Strings(*ids)
	}
	if len(*ids) == 0 {
		return errors.New("no devices")
	}

	histories := make([]deviceHistory, 0, len(*ids))
	for _, id := range *ids {
		docs, err := c.reg.GetLocationHistory(ctx, id)
		if err != nil {
			return fmt.Errorf("history of %s: %w", id, err)
		}
		histories = append(histories, deviceHistory{DeviceID: id, Docs: docs})
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := writeWorkbook(f, histories); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "wrote %s (%d devices)\n", *out, len(histories))
	return err
}
