package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmsql-go/internal/store"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	opts, err := cfg.StoreOptions()
	require.NoError(t, err)
	assert.Equal(t, store.DriverSQLite, opts.Driver)
	assert.Equal(t, store.VariantPlain, opts.Variant)
	assert.Equal(t, tiles.DefaultZoom, opts.TileZoom)
	assert.Equal(t, store.DefaultBatchSizes(), opts.BatchSizes)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osmsql.yaml")
	data := `
driver: pgx
dsn: ""
variant: compact
batch_sizes:
  node: 64
postgres:
  host: db
  password: secret
metrics_interval: 1m
bbox: "7.40,43.72,7.44,43.76"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, store.DriverPostgres, cfg.Driver)
	assert.Equal(t, time.Minute, cfg.MetricsInterval)
	assert.Equal(t, 64, cfg.BatchSizes.Node)
	assert.Equal(t, 256, cfg.BatchSizes.NodeTags)
	assert.Equal(t, 5432, cfg.Postgres.Port)

	opts, err := cfg.StoreOptions()
	require.NoError(t, err)
	assert.Equal(t, store.VariantCompact, opts.Variant)
	assert.Equal(t, "host=db port=5432 dbname=osm user=postgres sslmode=disable password=secret", opts.DSN)

	bbox, err := ParseBBox(cfg.BBox)
	require.NoError(t, err)
	assert.Equal(t, 43.72, bbox.MinLat)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [1, 2]"), 0o644))
	assert.Error(t, cfg.LoadFile(path))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"driver", func(c *Config) { c.Driver = "mysql" }},
		{"sqlite dsn", func(c *Config) { c.DSN = "" }},
		{"variant", func(c *Config) { c.Variant = "columnar" }},
		{"zoom", func(c *Config) { c.TileZoom = 40 }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"expire zooms", func(c *Config) { c.ExpireMinZoom, c.ExpireMaxZoom = 15, 12 }},
		{"bbox", func(c *Config) { c.BBox = "1,2,3" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseBBox(t *testing.T) {
	bbox, err := ParseBBox("")
	require.NoError(t, err)
	assert.Nil(t, bbox)

	bbox, err = ParseBBox(" -0.5, 51.2 ,0.3,51.7")
	require.NoError(t, err)
	assert.Equal(t, tiles.BBox{MinLon: -0.5, MinLat: 51.2, MaxLon: 0.3, MaxLat: 51.7}, *bbox)

	for _, bad := range []string{"a,b,c,d", "1,1,0,2", "0,2,1,1", "-200,0,0,1"} {
		_, err := ParseBBox(bad)
		assert.Error(t, err, bad)
	}
}
