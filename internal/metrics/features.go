package metrics

import "sync"

// Feature names an optional metric emitter that can be toggled at startup.
type Feature string

const (
	// FeatureQueueDepth gates the periodic per-subscription backlog gauge.
	FeatureQueueDepth Feature = "queue_depth"
)

var (
	featureMu       sync.RWMutex
	disabledFeature = make(map[Feature]bool)
)

// SetFeatureEnabled toggles a metric feature. Features default to enabled.
func SetFeatureEnabled(feature Feature, enabled bool) {
	featureMu.Lock()
	disabledFeature[feature] = !enabled
	featureMu.Unlock()
}

// IsFeatureEnabled reports whether the feature's emitter should run.
func IsFeatureEnabled(feature Feature) bool {
	featureMu.RLock()
	defer featureMu.RUnlock()
	return !disabledFeature[feature]
}
