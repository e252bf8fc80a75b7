package custody

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v2"
)

// defaultRequiredConfirmations applies when the assets file does not
// pin a threshold for an asset/network pair.
const defaultRequiredConfirmations = 12

// AssetConfig describes one supported (asset, network) pair.
type AssetConfig struct {
	Symbol                string `yaml:"symbol"`
	Network               string `yaml:"network"`
	RequiredConfirmations int    `yaml:"required_confirmations"`
	AddressPattern        string `yaml:"address_pattern"`
}

type assetsFile struct {
	Assets []AssetConfig `yaml:"assets"`
}

type assetEntry struct {
	config  AssetConfig
	pattern *regexp.Regexp
}

// AssetMatrix is the supported (asset, network) matrix with per-pair
// confirmation thresholds and destination format checks.
type AssetMatrix struct {
	entries map[string]assetEntry
}

// LoadAssetMatrix parses the assets YAML file.
func LoadAssetMatrix(assetsFilePath string) (*AssetMatrix, error) {
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

	var parsed assetsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", assetsFilePath, err)
	}
	return NewAssetMatrix(parsed.Assets)
}

// NewAssetMatrix builds a matrix from explicit configs.
func NewAssetMatrix(configs []AssetConfig) (*AssetMatrix, error) {
	entries := make(map[string]assetEntry, len(configs))
	for i, cfg := range configs {
		if cfg.Symbol == "" {
			return nil, fmt.Errorf("asset at index %d missing symbol", i)
		}
		if cfg.Network == "" {
			return nil, fmt.Errorf("asset at index %d missing network", i)
		}
		if cfg.RequiredConfirmations <= 0 {
			cfg.RequiredConfirmations = defaultRequiredConfirmations
		}
		entry := assetEntry{config: cfg}
		if cfg.AddressPattern != "" {
			pattern, err := regexp.Compile(cfg.AddressPattern)
			if err != nil {
				return nil, fmt.Errorf("invalid address pattern for %s-%s: %w", cfg.Symbol, cfg.Network, err)
			}
			entry.pattern = pattern
		}
		entries[matrixKey(cfg.Symbol, cfg.Network)] = entry
	}
	return &AssetMatrix{entries: entries}, nil
}

func matrixKey(asset, network string) string {
	return asset + "/" + network
}

// Supported reports whether the (asset, network) pair is in the matrix.
func (m *AssetMatrix) Supported(asset, network string) bool {
	_, ok := m.entries[matrixKey(asset, network)]
	return ok
}

// RequiredConfirmations returns the confirmation threshold for a pair,
// or the default for pairs not in the matrix.
func (m *AssetMatrix) RequiredConfirmations(asset, network string) int {
	if entry, ok := m.entries[matrixKey(asset, network)]; ok {
		return entry.config.RequiredConfirmations
	}
	return defaultRequiredConfirmations
}

// ValidDestination checks the destination against the asset's format
// pattern. Pairs without a configured pattern accept any non-empty
// destination.
func (m *AssetMatrix) ValidDestination(asset, network, destination string) bool {
	if destination == "" {
		return false
	}
	entry, ok := m.entries[matrixKey(asset, network)]
	if !ok {
		return false
	}
	if entry.pattern == nil {
		return true
	}
	return entry.pattern.MatchString(destination)
}
