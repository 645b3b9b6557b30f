package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderStore loads the persisted identity provider settings.
type ProviderStore interface {
	LoadProvider(ctx context.Context) (ProviderConfig, error)
}

// StaticProviderStore serves settings embedded in the main config file.
type StaticProviderStore struct {
	cfg ProviderConfig
}

// NewStaticProviderStore wraps fixed settings.
func NewStaticProviderStore(cfg ProviderConfig) *StaticProviderStore {
	return &StaticProviderStore{cfg: cfg}
}

// LoadProvider returns the embedded settings.
func (s *StaticProviderStore) LoadProvider(ctx context.Context) (ProviderConfig, error) {
	return s.cfg, nil
}

// FileProviderStore reads settings from a YAML file on every load so that edits made
// by the admin screens are picked up without a restart.
type FileProviderStore struct {
	path string
}

// NewFileProviderStore constructs a file-backed store.
func NewFileProviderStore(path string) *FileProviderStore {
	return &FileProviderStore{path: path}
}

// LoadProvider parses the provider file. A missing file means OAuth is not set up yet.
func (s *FileProviderStore) LoadProvider(ctx context.Context) (ProviderConfig, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ProviderConfig{}, nil
		}
		return ProviderConfig{}, fmt.Errorf("read provider file: %w", err)
	}

	var cfg ProviderConfig
	decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return ProviderConfig{}, fmt.Errorf("parse provider file: %w", err)
	}
	return cfg, nil
}

// SaveProvider writes settings back to the file.
func (s *FileProviderStore) SaveProvider(cfg ProviderConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal provider: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write provider file: %w", err)
	}
	return nil
}

// BuildProviderStore picks the store implementation from configuration.
func BuildProviderStore(ctx context.Context, cfg ProviderStoreConfig, logger *slog.Logger) (ProviderStore, func(), error) {
	switch cfg.Driver {
	case "", StoreDriverConfig:
		return NewStaticProviderStore(cfg.Provider), func() {}, nil
	case StoreDriverFile:
		logger.Info("provider store", "driver", StoreDriverFile, "path", cfg.Path)
		return NewFileProviderStore(cfg.Path), func() {}, nil
	case StoreDriverPostgres:
		store, err := OpenPostgresProviderStore(ctx, cfg.DSN, cfg.Table, cfg.Name)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("provider store", "driver", StoreDriverPostgres, "table", cfg.Table, "name", cfg.Name)
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider store driver %q", cfg.Driver)
	}
}
