// Package config loads and validates the library-local Config, the way
// aistore's cmn.Config is loaded: a JSON document unmarshaled with
// json-iterator over the defaults. No environment variables are read.
package config

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the process-wide, library-scoped configuration. Every
// sub-struct corresponds to one component in spec.md §2's component table.
type Config struct {
	Job      JobConfig      `json:"job"`
	Indexer  IndexerConfig  `json:"indexer"`
	Sync     SyncConfig     `json:"sync"`
	Pairing  PairingConfig  `json:"pairing"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

type JobConfig struct {
	MaxConcurrent     int           `json:"max_concurrent"`
	ProgressFlushEach time.Duration `json:"progress_flush_each"`
	CheckpointEach    int           `json:"checkpoint_each_n_files"`
}

type IndexerConfig struct {
	BatchSize       int `json:"batch_size"`
	WalkConcurrency int `json:"walk_concurrency"`
}

type SyncConfig struct {
	BatchRows        int           `json:"batch_rows"`
	StabilityTicks   int           `json:"stability_ticks"`
	PollInterval     time.Duration `json:"poll_interval"`
	DependencyTTL    time.Duration `json:"dependency_ttl"`
}

type PairingConfig struct {
	SessionTTL    time.Duration `json:"session_ttl"`
	CodeTTL       time.Duration `json:"code_ttl"`
	DialTimeout   time.Duration `json:"dial_timeout"`
	DialRetries   int           `json:"dial_retries"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type TimeoutsConfig struct {
	CplaneOperation time.Duration `json:"cplane_operation"`
	SendFile        time.Duration `json:"send_file"`
	SyncWaitPhase   time.Duration `json:"sync_wait_phase"`
}

// Default returns the baseline configuration, matching the constants named
// throughout spec.md §5 (pairing dial = 10s with 3 dial retries, sync wait
// harness = 30s per-phase, etc).
func Default() *Config {
	return &Config{
		Job: JobConfig{
			MaxConcurrent:     8,
			ProgressFlushEach: 2 * time.Second,
			CheckpointEach:    20,
		},
		Indexer: IndexerConfig{
			BatchSize:       512,
			WalkConcurrency: 8,
		},
		Sync: SyncConfig{
			BatchRows:      256,
			StabilityTicks: 5,
			PollInterval:   time.Second,
			DependencyTTL:  10 * time.Minute,
		},
		Pairing: PairingConfig{
			SessionTTL:    10 * time.Minute,
			CodeTTL:       5 * time.Minute,
			DialTimeout:   10 * time.Second,
			DialRetries:   3,
			SweepInterval: 60 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			CplaneOperation: 2 * time.Second,
			SendFile:        30 * time.Second,
			SyncWaitPhase:   30 * time.Second,
		},
	}
}

// Load reads a Config from path, falling back to Default() field-by-field
// for anything the document omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Job.MaxConcurrent <= 0 {
		return errors.New("config: job.max_concurrent must be > 0")
	}
	if c.Pairing.DialRetries < 0 {
		return errors.New("config: pairing.dial_retries must be >= 0")
	}
	return nil
}
