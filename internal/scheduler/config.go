package scheduler

import (
	"time"

	"github.com/smallbiznis/tally/internal/config"
)

const (
	JobInvoiceCycle = "invoice_cycle"
	JobUsageReport  = "usage_report"
	JobAnomalySweep = "anomaly_sweep"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Tick             time.Duration
	InvoiceInterval  time.Duration
	ReportInterval   time.Duration
	AnomalyInterval  time.Duration
	LockTTL          time.Duration
	BatchSize        int
	AnomalyDetection bool
	// EnabledJobs limits which jobs run. Empty means all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Tick:             15 * time.Second,
		InvoiceInterval:  5 * time.Minute,
		ReportInterval:   time.Minute,
		AnomalyInterval:  15 * time.Minute,
		LockTTL:          2 * time.Minute,
		BatchSize:        100,
		AnomalyDetection: true,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		InvoiceInterval:  cfg.Scheduler.InvoiceInterval,
		ReportInterval:   cfg.Scheduler.ReportInterval,
		AnomalyInterval:  cfg.Scheduler.AnomalyInterval,
		LockTTL:          cfg.Scheduler.LockTTL,
		BatchSize:        cfg.Scheduler.BatchSize,
		AnomalyDetection: cfg.Alerts.AnomalyDetection,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = defaults.Tick
	}
	if c.InvoiceInterval <= 0 {
		c.InvoiceInterval = defaults.InvoiceInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaults.ReportInterval
	}
	if c.AnomalyInterval <= 0 {
		c.AnomalyInterval = defaults.AnomalyInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}
