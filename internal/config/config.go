// Package config loads and validates the closed configuration tree from
// spec.md §6.5: YAML on disk, environment overrides, then defaults for
// whatever remains unset.
//
// Adapted from internal/config/config.go's LoadConfig/getEnv*/
// ConfigValidator shape, trimmed to the closed option set types.Config
// recognizes (the teacher's app/server/sinks/monitoring sections have no
// equivalent here and are dropped, per DESIGN.md).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
	"gopkg.in/yaml.v2"
)

// fileConfig mirrors types.Config but keeps PreserveTiming as a pointer so
// the YAML/defaults merge can distinguish "absent from the file" (nil,
// fall through to env/default) from "explicitly false" (non-nil false),
// resolving the ambiguity noted in pkg/types/config.go's ApplyDefaults.
type fileConfig struct {
	Compression        string                `yaml:"compression"`
	MaxSegmentSizeMB   int                   `yaml:"max_segment_size_mb"`
	WriteQueueCapacity int                   `yaml:"write_queue_capacity"`
	QueueFullPolicy    string                `yaml:"queue_full_policy"`
	ReplayMode         string                `yaml:"replay_mode"`
	PreserveTiming     *bool                 `yaml:"preserve_timing"`
	MaxChunkWait       time.Duration         `yaml:"max_chunk_wait"`
	VolatileFieldPaths []string              `yaml:"volatile_field_paths"`
	RedactionRules     []types.RedactionRule `yaml:"redaction_rules"`
	MaxPreviewBytes    int                   `yaml:"max_preview_bytes"`
	RootDir            string                `yaml:"root_dir"`
}

// Load reads path (if non-empty and present), applies environment
// variable overrides, then fills remaining zero values with spec.md
// §6.5 defaults.
func Load(path string) (types.Config, error) {
	var fc fileConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return types.Config{}, apperrors.New(apperrors.CodeConfigInvalid, "config", "load", err.Error()).Wrap(err)
			}
		} else if err := yaml.Unmarshal(data, &fc); err != nil {
			return types.Config{}, apperrors.New(apperrors.CodeConfigInvalid, "config", "load", err.Error()).Wrap(err)
		}
	}

	applyEnvOverrides(&fc)

	cfg := types.Config{
		Compression:        types.Compression(fc.Compression),
		MaxSegmentSizeMB:   fc.MaxSegmentSizeMB,
		WriteQueueCapacity: fc.WriteQueueCapacity,
		QueueFullPolicy:    types.QueueFullPolicy(fc.QueueFullPolicy),
		ReplayMode:         types.ReplayMode(fc.ReplayMode),
		MaxChunkWait:       fc.MaxChunkWait,
		VolatileFieldPaths: fc.VolatileFieldPaths,
		RedactionRules:     fc.RedactionRules,
		MaxPreviewBytes:    fc.MaxPreviewBytes,
		RootDir:            fc.RootDir,
	}
	if fc.PreserveTiming != nil {
		cfg.PreserveTiming = *fc.PreserveTiming
	} else {
		cfg.PreserveTiming = true // spec.md §6.5 default
	}

	types.ApplyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors the teacher's getEnv* helpers, scoped to the
// options types.Config recognizes.
func applyEnvOverrides(fc *fileConfig) {
	fc.Compression = getEnvString("AGENTREPLAY_COMPRESSION", fc.Compression)
	fc.MaxSegmentSizeMB = getEnvInt("AGENTREPLAY_MAX_SEGMENT_SIZE_MB", fc.MaxSegmentSizeMB)
	fc.WriteQueueCapacity = getEnvInt("AGENTREPLAY_WRITE_QUEUE_CAPACITY", fc.WriteQueueCapacity)
	fc.QueueFullPolicy = getEnvString("AGENTREPLAY_QUEUE_FULL_POLICY", fc.QueueFullPolicy)
	fc.ReplayMode = getEnvString("AGENTREPLAY_REPLAY_MODE", fc.ReplayMode)
	fc.RootDir = getEnvString("AGENTREPLAY_ROOT_DIR", fc.RootDir)
	fc.MaxPreviewBytes = getEnvInt("AGENTREPLAY_MAX_PREVIEW_BYTES", fc.MaxPreviewBytes)
	if v, ok := getEnvBoolPtr("AGENTREPLAY_PRESERVE_TIMING"); ok {
		fc.PreserveTiming = v
	}
	if v := os.Getenv("AGENTREPLAY_MAX_CHUNK_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			fc.MaxChunkWait = d
		}
	}
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBoolPtr(key string) (*bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return nil, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, false
	}
	return &b, true
}

// Validate checks cfg against the closed set of recognized values from
// spec.md §6.5, after defaults have already been applied.
func Validate(cfg types.Config) error {
	var errs []string

	switch cfg.Compression {
	case types.CompressionNone, types.CompressionZstd:
	default:
		errs = append(errs, fmt.Sprintf("compression: unrecognized value %q", cfg.Compression))
	}
	if cfg.MaxSegmentSizeMB < 10 || cfg.MaxSegmentSizeMB > 1024 {
		errs = append(errs, fmt.Sprintf("max_segment_size_mb: %d out of range [10, 1024]", cfg.MaxSegmentSizeMB))
	}
	if cfg.WriteQueueCapacity < 1024 || cfg.WriteQueueCapacity > 1_048_576 {
		errs = append(errs, fmt.Sprintf("write_queue_capacity: %d out of range [1024, 1048576]", cfg.WriteQueueCapacity))
	}
	switch cfg.QueueFullPolicy {
	case types.QueueFullFailFast, types.QueueFullBlock:
	default:
		errs = append(errs, fmt.Sprintf("queue_full_policy: unrecognized value %q", cfg.QueueFullPolicy))
	}
	switch cfg.ReplayMode {
	case types.ReplayStrict, types.ReplayWarn, types.ReplayHybrid:
	default:
		errs = append(errs, fmt.Sprintf("replay_mode: unrecognized value %q", cfg.ReplayMode))
	}
	if cfg.MaxPreviewBytes <= 0 {
		errs = append(errs, "max_preview_bytes: must be positive")
	}
	if cfg.RootDir == "" {
		errs = append(errs, "root_dir: must not be empty")
	}
	for _, rule := range cfg.RedactionRules {
		if rule.ID == "" {
			errs = append(errs, "redaction_rules: entry missing id")
		}
		if rule.Pattern == "" {
			errs = append(errs, fmt.Sprintf("redaction_rules[%s]: missing pattern", rule.ID))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return apperrors.New(apperrors.CodeConfigInvalid, "config", "validate", msg).WithMetadata("errors", errs)
}
