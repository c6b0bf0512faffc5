package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionManager drops local events older than the retention period and
// keeps ClickHouse table TTLs in line with it.
type RetentionManager struct {
	store     Store
	client    *ClickHouseClient
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetentionManager creates a retention manager. client may be nil when
// the archive is disabled.
func NewRetentionManager(store Store, client *ClickHouseClient, retention time.Duration, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{
		store:     store,
		client:    client,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// ArchiveTTLDays is how long ClickHouse keeps archived rows.
const ArchiveTTLDays = 90

// ApplyTTLs sets the archive table TTLs. Failures are logged, not returned,
// so a missing table never blocks startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) {
	if r.client == nil {
		return
	}
	policies := []struct {
		table  string
		column string
	}{
		{"events", "timestamp"},
		{"actions", "created_at"},
		{"events_quarantine", "quarantined_at"},
	}
	for _, p := range policies {
		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
			sanitizeTableName(p.table), p.column, ArchiveTTLDays,
		)
		if err := r.client.Exec(ctx, query); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", p.table, "error", err)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl_days", ArchiveTTLDays)
	}
}

// Prune drops local rows older than the retention period.
func (r *RetentionManager) Prune(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug("pruned stored events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run prunes on every interval until ctx is done.
func (r *RetentionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Prune(ctx); err != nil {
				r.logger.Warn("retention prune failed", "error", err)
			}
		}
	}
}

// sanitizeTableName ensures table name contains only safe characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
