package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/engine.defaults.json"

// EngineConfig is the root tuning configuration for the proximity engine.
// All fields are optional pointers: anything omitted from the JSON file
// falls back to the defaults baked into the Get* methods, so partial
// configs are safe.
type EngineConfig struct {
	// Spatial index params
	CellSizeM *float64 `json:"cell_size_m,omitempty"`

	// Ingest params
	IngestQueueSize *int `json:"ingest_queue_size,omitempty"`
	IngestWorkers   *int `json:"ingest_workers,omitempty"`

	// Query params
	QueryTimeout      *string `json:"query_timeout,omitempty"` // duration string like "100ms"
	QueryScanWorkers  *int    `json:"query_scan_workers,omitempty"`
	DefaultMaxResults *int    `json:"default_max_results,omitempty"`
	MaxResultsCap     *int    `json:"max_results_cap,omitempty"`

	// Cache params
	CacheTTL *string `json:"cache_ttl,omitempty"` // duration string like "5s"
	CacheDir *string `json:"cache_dir,omitempty"` // empty: in-memory store

	// Entity lifecycle params
	UserStaleAfter   *string `json:"user_stale_after,omitempty"`
	TagDefaultExpiry *string `json:"tag_default_expiry,omitempty"`
	PurgeInterval    *string `json:"purge_interval,omitempty"`
	PurgeGrace       *string `json:"purge_grace,omitempty"`

	// Observability params
	LatencyWindow *int `json:"latency_window,omitempty"`

	// API params
	RateLimitPerMinute *int `json:"rate_limit_per_minute,omitempty"`

	// Frame origin. When unset the frame anchors on the first accepted
	// sample (or the GPS reference fix, when a receiver is attached).
	OriginLatitude  *float64 `json:"origin_latitude,omitempty"`
	OriginLongitude *float64 `json:"origin_longitude,omitempty"`
	OriginAltitudeM *float64 `json:"origin_altitude_m,omitempty"`

	// Persistence params
	EventJournal   *bool   `json:"event_journal,omitempty"`
	EventRetention *string `json:"event_retention,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyEngineConfig returns an EngineConfig with all fields set to nil.
// Use LoadEngineConfig to load actual values from a file.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file. The path must
// end in .json and the file must be under 1 MB.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical engine defaults from
// DefaultConfigPath, searching the current directory and common parent
// directories. Panics if the file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *EngineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadEngineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *EngineConfig) Validate() error {
	if c.CellSizeM != nil {
		if *c.CellSizeM < 5 || *c.CellSizeM > 1000 {
			return fmt.Errorf("cell_size_m must be between 5 and 1000, got %f", *c.CellSizeM)
		}
	}
	if c.IngestQueueSize != nil && *c.IngestQueueSize < 1 {
		return fmt.Errorf("ingest_queue_size must be positive, got %d", *c.IngestQueueSize)
	}
	if c.IngestWorkers != nil && (*c.IngestWorkers < 1 || *c.IngestWorkers > 64) {
		return fmt.Errorf("ingest_workers must be between 1 and 64, got %d", *c.IngestWorkers)
	}
	if c.QueryScanWorkers != nil && (*c.QueryScanWorkers < 1 || *c.QueryScanWorkers > 64) {
		return fmt.Errorf("query_scan_workers must be between 1 and 64, got %d", *c.QueryScanWorkers)
	}
	if c.DefaultMaxResults != nil && *c.DefaultMaxResults < 1 {
		return fmt.Errorf("default_max_results must be positive, got %d", *c.DefaultMaxResults)
	}
	if c.MaxResultsCap != nil && *c.MaxResultsCap < 1 {
		return fmt.Errorf("max_results_cap must be positive, got %d", *c.MaxResultsCap)
	}
	if c.LatencyWindow != nil && *c.LatencyWindow < 16 {
		return fmt.Errorf("latency_window must be at least 16, got %d", *c.LatencyWindow)
	}
	if c.RateLimitPerMinute != nil && *c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute must be non-negative, got %d", *c.RateLimitPerMinute)
	}
	if c.OriginLatitude != nil && (*c.OriginLatitude < -90 || *c.OriginLatitude > 90) {
		return fmt.Errorf("origin_latitude %f out of range", *c.OriginLatitude)
	}
	if c.OriginLongitude != nil && (*c.OriginLongitude < -180 || *c.OriginLongitude > 180) {
		return fmt.Errorf("origin_longitude %f out of range", *c.OriginLongitude)
	}
	if (c.OriginLatitude == nil) != (c.OriginLongitude == nil) {
		return fmt.Errorf("origin_latitude and origin_longitude must be set together")
	}

	// Validate every duration field that is set.
	durations := map[string]*string{
		"query_timeout":      c.QueryTimeout,
		"cache_ttl":          c.CacheTTL,
		"user_stale_after":   c.UserStaleAfter,
		"tag_default_expiry": c.TagDefaultExpiry,
		"purge_interval":     c.PurgeInterval,
		"purge_grace":        c.PurgeGrace,
		"event_retention":    c.EventRetention,
	}
	for name, val := range durations {
		if val != nil && *val != "" {
			if _, err := time.ParseDuration(*val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *val, err)
			}
		}
	}

	return nil
}

func (c *EngineConfig) duration(val *string, def time.Duration) time.Duration {
	if val == nil || *val == "" {
		return def
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return def
	}
	return d
}

// GetCellSizeM returns the cell edge length in meters. The default matches
// the maximum query radius so any legal query touches at most a 3x3 cell
// neighborhood.
func (c *EngineConfig) GetCellSizeM() float64 {
	if c.CellSizeM == nil {
		return 50.0
	}
	return *c.CellSizeM
}

// GetIngestQueueSize returns the bounded submission queue capacity.
func (c *EngineConfig) GetIngestQueueSize() int {
	if c.IngestQueueSize == nil {
		return 1024
	}
	return *c.IngestQueueSize
}

// GetIngestWorkers returns the number of ingest apply workers.
func (c *EngineConfig) GetIngestWorkers() int {
	if c.IngestWorkers == nil {
		return 4
	}
	return *c.IngestWorkers
}

// GetQueryTimeout returns the per-query latency budget.
func (c *EngineConfig) GetQueryTimeout() time.Duration {
	return c.duration(c.QueryTimeout, 100*time.Millisecond)
}

// GetQueryScanWorkers returns the bounded fan-out width for cell scans.
func (c *EngineConfig) GetQueryScanWorkers() int {
	if c.QueryScanWorkers == nil {
		return 4
	}
	return *c.QueryScanWorkers
}

// GetDefaultMaxResults returns the result count used when a query does not
// specify one.
func (c *EngineConfig) GetDefaultMaxResults() int {
	if c.DefaultMaxResults == nil {
		return 20
	}
	return *c.DefaultMaxResults
}

// GetMaxResultsCap returns the hard ceiling on requested result counts.
func (c *EngineConfig) GetMaxResultsCap() int {
	if c.MaxResultsCap == nil {
		return 100
	}
	return *c.MaxResultsCap
}

// GetCacheTTL returns the result cache entry lifetime. Short on purpose:
// the version check is the correctness mechanism, TTL only bounds memory
// for cells that never mutate again.
func (c *EngineConfig) GetCacheTTL() time.Duration {
	return c.duration(c.CacheTTL, 5*time.Second)
}

// GetCacheDir returns the on-disk cache store directory, or "" for the
// in-memory store.
func (c *EngineConfig) GetCacheDir() string {
	if c.CacheDir == nil {
		return ""
	}
	return *c.CacheDir
}

// GetUserStaleAfter returns how long after its last update a user entity
// keeps answering queries.
func (c *EngineConfig) GetUserStaleAfter() time.Duration {
	return c.duration(c.UserStaleAfter, 5*time.Minute)
}

// GetTagDefaultExpiry returns the expiry applied to tags created without
// an explicit expires_at.
func (c *EngineConfig) GetTagDefaultExpiry() time.Duration {
	return c.duration(c.TagDefaultExpiry, 24*time.Hour)
}

// GetPurgeInterval returns how often the sweep removes dead entities.
func (c *EngineConfig) GetPurgeInterval() time.Duration {
	return c.duration(c.PurgeInterval, 30*time.Second)
}

// GetPurgeGrace returns how long an expired or stale entity survives in
// the index before the sweep removes it. Expired entities are already
// invisible to queries during the grace period.
func (c *EngineConfig) GetPurgeGrace() time.Duration {
	return c.duration(c.PurgeGrace, time.Minute)
}

// GetLatencyWindow returns the size of the rolling query latency window.
func (c *EngineConfig) GetLatencyWindow() int {
	if c.LatencyWindow == nil {
		return 1024
	}
	return *c.LatencyWindow
}

// GetRateLimitPerMinute returns the per-client API request budget.
// Zero disables limiting.
func (c *EngineConfig) GetRateLimitPerMinute() int {
	if c.RateLimitPerMinute == nil {
		return 600
	}
	return *c.RateLimitPerMinute
}

// HasOrigin reports whether the config pins the frame origin.
func (c *EngineConfig) HasOrigin() bool {
	return c.OriginLatitude != nil && c.OriginLongitude != nil
}

// GetOrigin returns the configured frame origin. Only meaningful when
// HasOrigin is true.
func (c *EngineConfig) GetOrigin() (lat, lon, altM float64) {
	if c.OriginLatitude != nil {
		lat = *c.OriginLatitude
	}
	if c.OriginLongitude != nil {
		lon = *c.OriginLongitude
	}
	if c.OriginAltitudeM != nil {
		altM = *c.OriginAltitudeM
	}
	return lat, lon, altM
}

// GetEventJournal reports whether accepted samples are journaled to the
// database.
func (c *EngineConfig) GetEventJournal() bool {
	if c.EventJournal == nil {
		return true
	}
	return *c.EventJournal
}

// GetEventRetention returns how long journaled events are kept before the
// periodic prune deletes them.
func (c *EngineConfig) GetEventRetention() time.Duration {
	return c.duration(c.EventRetention, 24*time.Hour)
}
