package config

import (
	"math"
	"os"
	"strconv"
	"strings"
)

// Runtime tunables for a single fan-out. Re-read on every call so operators
// can adjust them without a restart.
const (
	EnvSendConcurrency = "PUSH_SEND_CONCURRENCY"
	EnvSendRetries     = "PUSH_SEND_RETRIES"
	EnvEnableDedupe    = "PUSH_ENABLE_DEDUPE"
	EnvCleanDead       = "PUSH_CLEAN_DEAD"

	DefaultConcurrency = 8
	MaxConcurrency     = 32
	DefaultRetryCount  = 1
	MaxRetryCount      = 3
)

// Runtime holds the resolved per-call tunables.
type Runtime struct {
	Concurrency        int
	RetryCount         int
	DedupeEnabled      bool
	DeadCleanupEnabled bool
}

// MaxAttempts is the number of sends allowed per subscription.
func (r Runtime) MaxAttempts() int {
	return 1 + r.RetryCount
}

// ResolveRuntime reads the fan-out tunables from the environment.
// Invalid values fall back to defaults and values above a ceiling are clamped.
func ResolveRuntime() Runtime {
	return Runtime{
		Concurrency:        boundedInt(os.Getenv(EnvSendConcurrency), DefaultConcurrency, 1, MaxConcurrency),
		RetryCount:         boundedInt(os.Getenv(EnvSendRetries), DefaultRetryCount, 0, MaxRetryCount),
		DedupeEnabled:      GetBoolEnv(EnvEnableDedupe, true),
		DeadCleanupEnabled: GetBoolEnv(EnvCleanDead, true),
	}
}

// DefaultRuntime returns the tunables used when nothing is configured.
func DefaultRuntime() Runtime {
	return Runtime{
		Concurrency:        DefaultConcurrency,
		RetryCount:         DefaultRetryCount,
		DedupeEnabled:      true,
		DeadCleanupEnabled: true,
	}
}

// boundedInt parses a decimal, floors it, and clamps it to maxValue.
// Values below minValue fall back to def.
func boundedInt(raw string, def, minValue, maxValue int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	f = math.Floor(f)
	if f < float64(minValue) {
		return def
	}
	if f > float64(maxValue) {
		return maxValue
	}
	return int(f)
}
