package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmsql-go/internal/store"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// Config holds the settings shared by all commands
type Config struct {
	// Store settings
	Driver       string           `yaml:"driver"`   // sqlite3 or pgx
	DSN          string           `yaml:"dsn"`      // empty for pgx means built from Postgres
	Postgres     PostgresConfig   `yaml:"postgres"` // used when DSN is empty
	Variant      string           `yaml:"variant"`  // plain or compact
	TileZoom     int              `yaml:"tile_zoom"`
	CreateSchema bool             `yaml:"create_schema"`
	BatchSizes   store.BatchSizes `yaml:"batch_sizes"`

	// Processing settings
	Workers    int    `yaml:"workers"`
	BBox       string `yaml:"bbox"`        // minlon,minlat,maxlon,maxlat
	FilterFile string `yaml:"filter_file"` // tag filter YAML

	// Tile expiry settings
	ExpireOutput  string `yaml:"expire_output"`
	ExpireMinZoom int    `yaml:"expire_min_zoom"`
	ExpireMaxZoom int    `yaml:"expire_max_zoom"`

	// Replication settings
	ReplicationSource string `yaml:"replication_source"` // planet-minute, geofabrik/<region> or URL
	ReplicationDir    string `yaml:"replication_dir"`    // state file and change file cache

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`         // empty = no file logging
	MetricsInterval time.Duration `yaml:"metrics_interval"` // 0 disables metrics logging
}

// PostgresConfig holds discrete connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ConnectionString returns a PostgreSQL connection string
func (p PostgresConfig) ConnectionString() string {
	connStr := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=disable",
		p.Host, p.Port, p.Database, p.User)
	if p.Password != "" {
		connStr += " password=" + p.Password
	}
	return connStr
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Driver:       store.DriverSQLite,
		DSN:          "osm.db",
		Variant:      string(store.VariantPlain),
		TileZoom:     tiles.DefaultZoom,
		CreateSchema: true,
		BatchSizes:   store.DefaultBatchSizes(),
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "osm",
			User:     "postgres",
		},
		Workers:         runtime.NumCPU(),
		ExpireMinZoom:   10,
		ExpireMaxZoom:   tiles.DefaultZoom,
		ReplicationDir:  "replication",
		MetricsInterval: 30 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("unsupported driver %q (want %s or %s)", c.Driver, store.DriverSQLite, store.DriverPostgres)
	}
	if c.Driver == store.DriverSQLite && c.DSN == "" {
		return fmt.Errorf("dsn is required for %s", store.DriverSQLite)
	}
	if _, err := store.ParseVariant(c.Variant); err != nil {
		return err
	}
	if c.TileZoom < 1 || c.TileZoom > tiles.MaxZoom {
		return fmt.Errorf("tile zoom must be between 1 and %d", tiles.MaxZoom)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.ExpireMinZoom < 0 || c.ExpireMaxZoom > tiles.MaxZoom || c.ExpireMinZoom > c.ExpireMaxZoom {
		return fmt.Errorf("invalid expire zoom range %d-%d", c.ExpireMinZoom, c.ExpireMaxZoom)
	}
	if _, err := ParseBBox(c.BBox); err != nil {
		return err
	}
	return nil
}

// ResolvedDSN returns the DSN, building one from Postgres for pgx when unset.
func (c *Config) ResolvedDSN() string {
	if c.DSN == "" && c.Driver == store.DriverPostgres {
		return c.Postgres.ConnectionString()
	}
	return c.DSN
}

// StoreOptions maps the configuration to store options.
func (c *Config) StoreOptions() (store.Options, error) {
	variant, err := store.ParseVariant(c.Variant)
	if err != nil {
		return store.Options{}, err
	}
	return store.Options{
		Driver:       c.Driver,
		DSN:          c.ResolvedDSN(),
		Variant:      variant,
		TileZoom:     c.TileZoom,
		CreateSchema: c.CreateSchema,
		BatchSizes:   c.BatchSizes,
	}, nil
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat".
// An empty string yields nil.
func ParseBBox(s string) (*tiles.BBox, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &tiles.BBox{MinLon: coords[0], MinLat: coords[1], MaxLon: coords[2], MaxLat: coords[3]}
	if bbox.MinLon > bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat > bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bbox.MinLat, bbox.MaxLat)
	}
	if !bbox.IsValid() {
		return nil, fmt.Errorf("bbox %s is outside -180,-90,180,90", s)
	}
	return bbox, nil
}
