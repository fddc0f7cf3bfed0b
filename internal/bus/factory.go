package bus

import (
	"database/sql"
	"fmt"

	"maf/internal/config"
	"maf/internal/logging"
	"maf/internal/metrics"
)

// New builds the backend named by cfg.Type. The database is used only by
// the log backend.
func New(cfg config.BusConfig, db *sql.DB, log *logging.Logger, m *metrics.Metrics) (Bus, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(cfg.HistorySize, log, m), nil
	case "log":
		return NewLog(db, LogConfig{
			Partitions:     cfg.Partitions,
			Group:          cfg.Group,
			PollInterval:   cfg.PollInterval,
			BatchSize:      cfg.BatchSize,
			HandlerTimeout: cfg.HandlerTimeout,
			LeaseTTL:       cfg.LeaseTTL,
			StartFrom:      cfg.StartFrom,
			RetryMaxTime:   cfg.RetryMaxTime,
		}, log, m)
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}
