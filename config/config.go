// Package config loads the tunables enumerated in spec.md §6 from a YAML
// file, the way the teacher's config package loads its server options, but
// returns a plain struct instead of populating a package-level singleton
// (Design Notes: "Global mutable config").
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Options carries every configuration knob named in spec.md §6.
type Options struct {
	LogBufferSizeMB                               int    `yaml:"log_buffer_size_mb"`
	LogPendingMaxMS                               int    `yaml:"log_pending_max_ms"`
	MaxLogFileMB                                  int    `yaml:"max_log_file_mb"`
	BatchWrite                                    bool   `yaml:"batch_write"`
	WriteTaskMaxCount                             int    `yaml:"write_task_max_count"`
	StalenessForStartPrepareForPotentialSecondary int    `yaml:"staleness_for_start_prepare_for_potential_secondary"`
	MaxConcurrentRemoteCopyRequests               int    `yaml:"max_concurrent_remote_copy_requests"`
	MaxConcurrentLocalWrites                      int    `yaml:"max_concurrent_local_writes"`
	NFSCopyBlockBytes                             int    `yaml:"nfs_copy_block_bytes"`
	PrepareListCapacity                           int    `yaml:"prepare_list_capacity"`
	LoggingLevel                                  string `yaml:"logging_level"`
}

// Default returns the configuration the teacher's samples ship with,
// scaled to a modest single-process deployment.
func Default() Options {
	return Options{
		LogBufferSizeMB:    4,
		LogPendingMaxMS:    10,
		MaxLogFileMB:       64,
		BatchWrite:         true,
		WriteTaskMaxCount:  64,
		StalenessForStartPrepareForPotentialSecondary: 10,
		MaxConcurrentRemoteCopyRequests:                10,
		MaxConcurrentLocalWrites:                        4,
		NFSCopyBlockBytes:                               4 << 20,
		PrepareListCapacity:                              2500,
		LoggingLevel:                                    "info",
	}
}

// LogBufferSizeBytes is LogBufferSizeMB in bytes.
func (o Options) LogBufferSizeBytes() int64 { return int64(o.LogBufferSizeMB) << 20 }

// MaxLogFileBytes is MaxLogFileMB in bytes.
func (o Options) MaxLogFileBytes() int64 { return int64(o.MaxLogFileMB) << 20 }

// LoadFile reads and parses a YAML configuration file, starting from
// Default() so a partial file only overrides what it names.
func LoadFile(path string) (Options, error) {
	opts := Default()

	f, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.WithMessagef(err, "could not read config file %s", path)
	}

	if err := yaml.Unmarshal(f, &opts); err != nil {
		return opts, errors.WithMessagef(err, "could not unmarshal config file %s", path)
	}

	logger.Debug().
		Int("log_buffer_size_mb", opts.LogBufferSizeMB).
		Int("max_log_file_mb", opts.MaxLogFileMB).
		Bool("batch_write", opts.BatchWrite).
		Msg("loaded replication core configuration")

	return opts, nil
}

// InitLogging configures the global zerolog level and a console writer,
// the way cmd/orderingpeer configures logging at process start.
func InitLogging(opts Options) {
	level, err := zerolog.ParseLevel(opts.LoggingLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	logger.Logger = logger.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
	})
}
