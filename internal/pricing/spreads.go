package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bullion-custody-go/internal/kvstore"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// nsConfig holds operator-set overrides; spread keys are
// "exit_spread/<asset>".
const nsConfig = "config"

const spreadKeyPrefix = "exit_spread/"

// fallbackSpreadPercent applies to assets missing from both the
// override namespace and the YAML defaults.
var fallbackSpreadPercent = decimal.RequireFromString("0.80")

type spreadsFile struct {
	Spreads map[string]string `yaml:"spreads"`
}

// Spreads resolves per-asset exit-spread percentages: persisted
// override first, then YAML default, then the global fallback.
type Spreads struct {
	kv       *kvstore.Store
	defaults map[string]decimal.Decimal
}

// LoadSpreads reads the spreads section of the assets file. Missing
// sections are fine; defaults then come entirely from the fallback.
func LoadSpreads(kv *kvstore.Store, assetsFilePath string) (*Spreads, error) {
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

	var parsed spreadsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", assetsFilePath, err)
	}

	defaults := make(map[string]decimal.Decimal, len(parsed.Spreads))
	for asset, raw := range parsed.Spreads {
		spread, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid spread for %s: %q", asset, raw)
		}
		defaults[asset] = spread
	}
	return &Spreads{kv: kv, defaults: defaults}, nil
}

// NewSpreads builds a spread table from explicit defaults (tests).
func NewSpreads(kv *kvstore.Store, defaults map[string]decimal.Decimal) *Spreads {
	if defaults == nil {
		defaults = make(map[string]decimal.Decimal)
	}
	return &Spreads{kv: kv, defaults: defaults}
}

// ExitSpreadPercent returns the exit spread for an asset.
func (s *Spreads) ExitSpreadPercent(ctx context.Context, asset string) (decimal.Decimal, error) {
	rec, err := s.kv.Get(ctx, nsConfig, spreadKeyPrefix+asset)
	if err == nil {
		spread, perr := decimal.NewFromString(string(rec.Value))
		if perr == nil {
			return spread, nil
		}
		zap.L().Warn("Ignoring unparseable spread override",
			zap.String("asset", asset),
			zap.String("value", string(rec.Value)))
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return decimal.Zero, err
	}

	if spread, ok := s.defaults[asset]; ok {
		return spread, nil
	}
	return fallbackSpreadPercent, nil
}

// SetExitSpreadPercent persists an operator override.
func (s *Spreads) SetExitSpreadPercent(ctx context.Context, asset string, spread decimal.Decimal) error {
	if spread.IsNegative() {
		return fmt.Errorf("exit spread cannot be negative: %s", spread.String())
	}
	return s.kv.Put(ctx, nsConfig, spreadKeyPrefix+asset, []byte(spread.String()))
}
