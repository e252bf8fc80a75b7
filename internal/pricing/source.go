package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

var ErrPriceUnavailable = errors.New("spot price unavailable")

// Source is the spot-price collaborator. The oracle fetch itself lives
// outside this subsystem; components only consume a price once
// obtained.
type Source interface {
	SpotPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// StaticSource serves prices from an in-memory table. Used in tests
// and local development where no oracle is wired.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[string]decimal.Decimal)}
}

func (s *StaticSource) Set(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

func (s *StaticSource) SpotPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
	}
	return price, nil
}

type pricesFile struct {
	Prices map[string]string `yaml:"prices"`
}

// LoadStaticSource seeds a static source from the prices section of the
// assets file. Operators update prices at runtime through Set.
func LoadStaticSource(assetsFilePath string) (*StaticSource, error) {
	var path string
	if filepath.IsAbs(assetsFilePath) {
		path = assetsFilePath
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, assetsFilePath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", assetsFilePath, err)
	}

	var parsed pricesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", assetsFilePath, err)
	}

	source := NewStaticSource()
	for asset, raw := range parsed.Prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %q", asset, raw)
		}
		source.Set(asset, price)
	}
	return source, nil
}
