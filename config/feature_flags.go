package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages feature toggles of the worker.
// Supports gradual rollout keyed by a string unit (a subject for the rematch
// job) and per-key overrides.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Override rules (for testing/debugging)
	overrides map[string]map[string]bool // key -> feature -> enabled
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100)
	// Keys are assigned based on a hash of the key and the feature name.
	RolloutPercent int

	// Time-based activation
	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// Predefined feature flag names.
const (
	// === Caching ===
	FeatureStatsCache   = "cache.stats"    // Cache matching statistics in Redis
	FeatureProfileCache = "cache.profiles" // Read-through profile cache in Redis

	// === Events ===
	FeatureRedisEvents = "events.redis_bridge" // Fan events out to other workers via Pub/Sub

	// === Jobs ===
	FeatureScheduledRematch = "jobs.rematch"       // Periodic re-matching, rolled out by subject
	FeatureStatsRefresh     = "jobs.stats_refresh" // Periodic stats cache warm-up
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:  make(map[string]*Feature),
		overrides: make(map[string]map[string]bool),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

// initializeDefaults sets up all features with default values.
func (ff *FeatureFlags) initializeDefaults() {
	defaults := []Feature{
		{Name: FeatureStatsCache, Description: "Cache matching statistics", Enabled: true, RolloutPercent: 100},
		{Name: FeatureProfileCache, Description: "Read-through student profile cache", Enabled: true, RolloutPercent: 100},
		{Name: FeatureRedisEvents, Description: "Share domain events between workers", Enabled: true, RolloutPercent: 100},
		{Name: FeatureScheduledRematch, Description: "Re-run matching on a schedule", Enabled: true, RolloutPercent: 100},
		{Name: FeatureStatsRefresh, Description: "Warm the stats cache on a schedule", Enabled: true, RolloutPercent: 100},
	}
	for i := range defaults {
		f := defaults[i]
		ff.features[f.Name] = &f
	}
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_CACHE_PROFILES=false
// Example: FEATURE_JOBS_REMATCH=25 (25% of subjects)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "cache.profiles" -> "FEATURE_CACHE_PROFILES"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled reports whether a feature is on at all.
func (ff *FeatureFlags) IsEnabled(featureName string) bool {
	return ff.IsEnabledFor(featureName, "")
}

// IsEnabledFor reports whether a feature is on for key. An empty key only
// checks that the feature is enabled with a non-zero rollout.
func (ff *FeatureFlags) IsEnabledFor(featureName, key string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if key != "" {
		if o, ok := ff.overrides[key]; ok {
			if enabled, ok := o[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	now := time.Now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	if feature.RolloutPercent < 100 && key != "" {
		return inRollout(key, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// inRollout places key in a stable 0-99 bucket per feature.
func inRollout(key, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(key))
	return int(h.Sum32()%100) < percent
}

// SetOverride forces a feature on or off for one key.
func (ff *FeatureFlags) SetOverride(key, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.overrides[key]; !ok {
		ff.overrides[key] = make(map[string]bool)
	}
	ff.overrides[key][featureName] = enabled
}

// ClearOverrides removes all overrides for a key.
func (ff *FeatureFlags) ClearOverrides(key string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.overrides, key)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}

	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0

	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// GetAllFeatures returns a copy of all feature configurations.
func (ff *FeatureFlags) GetAllFeatures() map[string]*Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make(map[string]*Feature, len(ff.features))
	for k, v := range ff.features {
		featureCopy := *v
		result[k] = &featureCopy
	}
	return result
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
