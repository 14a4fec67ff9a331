// Package config loads czar.yaml / worker.yaml into the typed config
// structs each process's main binds at startup.
package config

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v2"
)

// CzarConfig configures the coordinator process: its transport listen
// address, Executive defaults, and QMeta/progress-sampling cadence.
type CzarConfig struct {
	QUICAddress         string `yaml:"quic_address"`
	MetricsAddress      string `yaml:"metrics_address"`
	JournalPath         string `yaml:"journal_path"`
	MaxJobAttempts      int    `yaml:"max_job_attempts"`
	SecondsBetweenQMeta int    `yaml:"seconds_between_qmeta_updates"`
	CzarStatsUpdateIval int    `yaml:"czar_stats_update_ival_sec"`
	MessageStoreMaxSize int    `yaml:"message_store_max_size"`
	ProgressWindowLen   int    `yaml:"progress_window_len"`

	// Workers maps a worker name (as carried in a JobDescription's
	// TargetWname) to the address the czar dials to reach it.
	Workers map[string]string `yaml:"workers"`
}

// DefaultCzarConfig returns the coordinator's out-of-the-box settings.
func DefaultCzarConfig() *CzarConfig {
	return &CzarConfig{
		QUICAddress:         ":4040",
		MetricsAddress:      "127.0.0.1:9090",
		JournalPath:         "czar-journal.db",
		MaxJobAttempts:      5,
		SecondsBetweenQMeta: 5,
		CzarStatsUpdateIval: 5,
		MessageStoreMaxSize: 100,
		ProgressWindowLen:   20,
		Workers: map[string]string{
			"worker1": "127.0.0.1:4041",
		},
	}
}

// LoadCzarConfig reads and unmarshals a czar.yaml file, falling back to
// DefaultCzarConfig() field-by-field for anything the file omits.
func LoadCzarConfig(path string) (*CzarConfig, error) {
	cfg := DefaultCzarConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read czar config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse czar config %s: %w", path, err)
	}
	return cfg, nil
}

// WorkerConfig configures one worker process: its transport listen
// address, local chunk database path, scheduler thread budget and
// scan-band layout, and transmit admission limits.
type WorkerConfig struct {
	QUICAddress    string `yaml:"quic_address"`
	MetricsAddress string `yaml:"metrics_address"`
	DatabasePath   string `yaml:"database_path"`
	QueuePath      string `yaml:"queue_path"`
	WorkerName     string `yaml:"worker_name"`

	SchedMaxThreads int `yaml:"sched_max_threads"`
	NumPollers      int `yaml:"num_pollers"`

	GroupMaxThreads int `yaml:"group_max_threads"`

	ScanBands []ScanBandConfig `yaml:"scan_bands"`

	SnailMaxThreads     int `yaml:"snail_max_threads"`
	SnailMaxActiveChunk int `yaml:"snail_max_active_chunks"`

	MaxTransmits int `yaml:"max_transmits"`
	MaxPerQid    int `yaml:"max_per_qid"`

	// MemManBudgetMB bounds the total in-memory table-page reservation a
	// worker's MemMan will grant before returning ENOMEM.
	MemManBudgetMB int `yaml:"memman_budget_mb"`
}

// ScanBandConfig describes one ScanScheduler instance: its table-rating
// range, thread budget, and concurrently-active chunk limit.
type ScanBandConfig struct {
	Name            string `yaml:"name"`
	MinRating       int    `yaml:"min_rating"`
	MaxRating       int    `yaml:"max_rating"`
	MaxThreads      int    `yaml:"max_threads"`
	MaxActiveChunks int    `yaml:"max_active_chunks"`
	Priority        int    `yaml:"priority"`
}

// DefaultWorkerConfig returns the fast/medium/slow three-band layout
// spec.md's worker scheduler section describes, with a separate Snail
// band for booted queries.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		QUICAddress:     ":4041",
		MetricsAddress:  "127.0.0.1:9091",
		DatabasePath:    "worker-chunks.db",
		QueuePath:       "worker-queue.db",
		WorkerName:      "worker1",
		SchedMaxThreads: 32,
		NumPollers:      4,
		GroupMaxThreads: 4,
		ScanBands: []ScanBandConfig{
			{Name: "fast", MinRating: 0, MaxRating: 99, MaxThreads: 12, MaxActiveChunks: 4, Priority: 0},
			{Name: "medium", MinRating: 100, MaxRating: 999, MaxThreads: 8, MaxActiveChunks: 2, Priority: 1},
			{Name: "slow", MinRating: 1000, MaxRating: 1 << 30, MaxThreads: 4, MaxActiveChunks: 1, Priority: 2},
		},
		SnailMaxThreads:     2,
		SnailMaxActiveChunk: 1,
		MaxTransmits:        16,
		MaxPerQid:           4,
		MemManBudgetMB:      4096,
	}
}

// LoadWorkerConfig reads and unmarshals a worker.yaml file, starting from
// DefaultWorkerConfig() so a partial file only overrides what it names.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read worker config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse worker config %s: %w", path, err)
	}
	return cfg, nil
}
