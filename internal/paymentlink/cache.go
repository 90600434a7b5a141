// Package paymentlink serves the payment redirect URL from the secret store,
// refreshing it from the registry when it is missing or stale.
package paymentlink

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/secretstore"
)

// DefaultMaxAge is how long a cached link is served without a refresh.
const DefaultMaxAge = 24 * time.Hour

// Remote reads the device record.
type Remote interface {
	GetDevice(ctx context.Context, id string) (model.Fields, error)
}

// Options tunes a Cache.
type Options struct {
	MaxAge  time.Duration // DefaultMaxAge when zero
	Default string        // model.DefaultPayment when empty
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Cache is safe for concurrent use; the store serializes writes.
type Cache struct {
	store  *secretstore.Store
	remote Remote
	maxAge time.Duration
	def    string
	clk    clock.Clock
	log    *zap.Logger
}

// New builds a cache over the agent store.
func New(store *secretstore.Store, remote Remote, o Options) *Cache {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Default == "" {
		o.Default = model.DefaultPayment
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		remote: remote,
		maxAge: o.MaxAge,
		def:    o.Default,
		clk:    o.Clock,
		log:    o.Logger.Named("paymentlink"),
	}
}

// Default returns the fallback URL.
func (c *Cache) Default() string { return c.def }

// Get returns the cached link while it is fresh, otherwise refreshes it.
// It never fails: when the registry cannot be read the default is returned.
func (c *Cache) Get(ctx context.Context) string {
	link := c.store.String(secretstore.KeyPaymentLink)
	updated := time.UnixMilli(c.store.Int(secretstore.KeyPaymentLinkLastUpdated))
	if link != "" && c.clk.Now().Sub(updated) <= c.maxAge {
		return link
	}
	fresh, err := c.Refresh(ctx)
	if err != nil {
		c.log.Info("payment link refresh failed, serving default", zap.Error(err))
		return c.def
	}
	return fresh
}

// Refresh reads paymentLink from the registry and stores it. A record
// without the field stores and returns the default.
func (c *Cache) Refresh(ctx context.Context) (string, error) {
	id := c.store.String(secretstore.KeyDeviceID)
	if id == "" {
		return "", errs.ErrNotRegistered
	}
	doc, err := c.remote.GetDevice(ctx, id)
	if err != nil {
		return "", fmt.Errorf("paymentlink: read device: %w", err)
	}
	link := doc.String(model.FieldPaymentLink)
	if link == "" {
		link = c.def
	}
	if err := c.Update(link); err != nil {
		return "", err
	}
	return link, nil
}

// Update stores link and restarts its freshness window. An empty link
// stores the default.
func (c *Cache) Update(link string) error {
	if link == "" {
		link = c.def
	}
	now := c.clk.Now().UnixMilli()
	err := c.store.Edit(func(b *secretstore.Batch) error {
		if err := b.Set(secretstore.KeyPaymentLink, link); err != nil {
			return err
		}
		return b.Set(secretstore.KeyPaymentLinkLastUpdated, now)
	})
	if err != nil {
		return fmt.Errorf("paymentlink: store: %w", err)
	}
	return nil
}
