package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestFileProviderStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider.yaml")
	store := NewFileProviderStore(path)

	cfg, err := store.LoadProvider(context.Background())
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Usable() {
		t.Fatalf("missing file must read as disabled")
	}

	body := `# edited by the admin screen
domain: tenant.example.com
client_id: console
client_secret: s3cret
audience: https://api.example.com
enabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = store.LoadProvider(context.Background())
	if err != nil {
		t.Fatalf("LoadProvider: %v", err)
	}
	if !cfg.Usable() || cfg.ClientSecret != "s3cret" || cfg.Audience != "https://api.example.com" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	cfg.ClientID = "rotated"
	if err := store.SaveProvider(cfg); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	reloaded, err := store.LoadProvider(context.Background())
	if err != nil || reloaded.ClientID != "rotated" {
		t.Fatalf("reload = %+v, %v", reloaded, err)
	}

	if err := os.WriteFile(path, []byte("domain: x\nunknown_key: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.LoadProvider(context.Background()); err == nil {
		t.Fatalf("expected unknown keys to be rejected")
	}
}

func TestFileStoreEditsReachResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider.yaml")
	store := NewFileProviderStore(path)
	if err := store.SaveProvider(ProviderConfig{Domain: "one.example.com", ClientID: "c", Enabled: true}); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	resolver := NewProviderResolver(store, DefaultConfig().Auth, nil, testLogger())

	p, err := resolver.Resolve(context.Background())
	if err != nil || p.Config().Domain != "one.example.com" {
		t.Fatalf("Resolve = %v, %v", p, err)
	}

	if err := store.SaveProvider(ProviderConfig{Domain: "two.example.com", ClientID: "c", Enabled: true}); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	p, err = resolver.Resolve(context.Background())
	if err != nil || p.Config().Domain != "two.example.com" {
		t.Fatalf("edit not picked up: %v, %v", p, err)
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		}
	}
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	sql  string
	args []any
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.sql = sql
	q.args = args
	return q.row
}

func TestPostgresProviderStore(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{values: []any{"tenant.example.com", "console", "", "https://api.example.com", true, false}}}
	store := newPostgresProviderStore(q, "oauth_provider_settings", "auth0")

	cfg, err := store.LoadProvider(context.Background())
	if err != nil {
		t.Fatalf("LoadProvider: %v", err)
	}
	if !cfg.Usable() || cfg.Audience != "https://api.example.com" || cfg.ClientSecret != "" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !strings.Contains(q.sql, "FROM oauth_provider_settings") || len(q.args) != 1 || q.args[0] != "auth0" {
		t.Fatalf("unexpected query %q %v", q.sql, q.args)
	}

	q.row = fakeRow{err: pgx.ErrNoRows}
	cfg, err = store.LoadProvider(context.Background())
	if err != nil || cfg.Enabled {
		t.Fatalf("no rows should read as disabled, got %+v, %v", cfg, err)
	}

	q.row = fakeRow{err: errors.New("conn reset")}
	if _, err := store.LoadProvider(context.Background()); err == nil {
		t.Fatalf("expected query error to surface")
	}
}

func TestBuildProviderStore(t *testing.T) {
	store, closeFn, err := BuildProviderStore(context.Background(), ProviderStoreConfig{Driver: StoreDriverConfig, Provider: ProviderConfig{Domain: "d", ClientID: "c", Enabled: true}}, testLogger())
	if err != nil {
		t.Fatalf("BuildProviderStore: %v", err)
	}
	defer closeFn()
	if cfg, _ := store.LoadProvider(context.Background()); cfg.Domain != "d" {
		t.Fatalf("static store returned %+v", cfg)
	}

	if _, _, err := BuildProviderStore(context.Background(), ProviderStoreConfig{Driver: "etcd"}, testLogger()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
