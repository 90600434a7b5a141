// Package position obtains a device position fix from the coarse network
// provider and the precise satellite provider and picks the better one.
package position

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNoFix means no provider produced a usable fix.
var ErrNoFix = errors.New("position: no fix available")

// Source names the provider a fix came from.
type Source string

const (
	SourceNetwork   Source = "network"
	SourceSatellite Source = "satellite"
)

// Fix is a single position reading. Accuracy is a radius in metres.
type Fix struct {
	Latitude  float64   `yaml:"latitude"`
	Longitude float64   `yaml:"longitude"`
	Accuracy  float64   `yaml:"accuracy"`
	At        time.Time `yaml:"at"`
	Source    Source    `yaml:"-"`
}

// Provider returns the most recent fix it has, or an error when it has none.
type Provider interface {
	Fix(ctx context.Context) (Fix, error)
}

// Best queries both providers and returns the fix with the smaller accuracy
// radius, or whichever one is available. A nil provider is skipped.
func Best(ctx context.Context, coarse, precise Provider, log *zap.Logger) (Fix, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var fixes []Fix
	for _, p := range []struct {
		src Source
		p   Provider
	}{{SourceNetwork, coarse}, {SourceSatellite, precise}} {
		if p.p == nil {
			continue
		}
		f, err := p.p.Fix(ctx)
		if err != nil {
			log.Debug("provider has no fix", zap.String("source", string(p.src)), zap.Error(err))
			continue
		}
		f.Source = p.src
		fixes = append(fixes, f)
	}
	if len(fixes) == 0 {
		return Fix{}, ErrNoFix
	}
	best := fixes[0]
	for _, f := range fixes[1:] {
		if f.Accuracy < best.Accuracy {
			best = f
		}
	}
	return best, nil
}

// FileProvider reads the last fix a host location service wrote to a YAML
// file. Fixes older than MaxAge are treated as absent.
type FileProvider struct {
	Path   string
	MaxAge time.Duration
	Now    func() time.Time
}

var _ Provider = (*FileProvider)(nil)

// Fix implements Provider.
func (p *FileProvider) Fix(context.Context) (Fix, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Fix{}, fmt.Errorf("position: read %s: %w", p.Path, err)
	}
	var f Fix
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fix{}, fmt.Errorf("position: decode %s: %w", p.Path, err)
	}
	if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 || f.Accuracy < 0 {
		return Fix{}, fmt.Errorf("position: %s: fix out of range", p.Path)
	}
	if p.MaxAge > 0 && !f.At.IsZero() {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		if now().Sub(f.At) > p.MaxAge {
			return Fix{}, fmt.Errorf("position: %s: fix is stale", p.Path)
		}
	}
	return f, nil
}
