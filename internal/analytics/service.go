package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/queue"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

const summaryCacheKey = "analytics:alert_summary"

// Service provides dashboard aggregates over the alert store.
type Service struct {
	alertRepo *repositories.AlertRepository
	auditRepo *repositories.AuditRepository
	db        *repositories.Database
	cache     *queue.CacheClient
	stream    *queue.AlertStreamClient
	cacheTTL  time.Duration
}

// NewService creates a new analytics service
func NewService(
	alertRepo *repositories.AlertRepository,
	auditRepo *repositories.AuditRepository,
	db *repositories.Database,
	cache *queue.CacheClient,
	stream *queue.AlertStreamClient,
	cfg configs.RedisConfig,
) *Service {
	return &Service{
		alertRepo: alertRepo,
		auditRepo: auditRepo,
		db:        db,
		cache:     cache,
		stream:    stream,
		cacheTTL:  cfg.CacheTTL,
	}
}

// GetAlertSummary returns alert counts by status, severity and pattern.
// Results are cached; writes invalidate the cache, so staleness is bounded
// by the TTL only when invalidation fails.
func (s *Service) GetAlertSummary(ctx context.Context) (*models.AlertSummary, error) {
	var cached models.AlertSummary
	if s.cache != nil {
		if err := s.cache.Get(ctx, summaryCacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	summary := &models.AlertSummary{
		ByStatus:    make(map[string]int),
		BySeverity:  make(map[string]int),
		ByPattern:   make(map[string]int),
		GeneratedAt: time.Now(),
	}

	if err := s.countGroups(ctx, "status", summary.ByStatus); err != nil {
		return nil, fmt.Errorf("failed to aggregate by status: %w", err)
	}
	if err := s.countGroups(ctx, "severity", summary.BySeverity); err != nil {
		return nil, fmt.Errorf("failed to aggregate by severity: %w", err)
	}
	if err := s.countGroups(ctx, "pattern_type", summary.ByPattern); err != nil {
		return nil, fmt.Errorf("failed to aggregate by pattern: %w", err)
	}

	for _, n := range summary.ByStatus {
		summary.Total += n
	}

	openCriticalQuery := `
		SELECT COUNT(*)
		FROM fraud_alerts
		WHERE severity = 'CRITICAL' AND status IN ('NEW', 'INVESTIGATING')
	`
	if err := s.db.Pool.QueryRow(ctx, openCriticalQuery).Scan(&summary.OpenCritical); err != nil {
		return nil, fmt.Errorf("failed to count open critical alerts: %w", err)
	}

	resolvedQuery := `
		SELECT COUNT(*)
		FROM fraud_alerts
		WHERE resolved_at >= NOW() - INTERVAL '24 hours'
	`
	if err := s.db.Pool.QueryRow(ctx, resolvedQuery).Scan(&summary.ResolvedLast24h); err != nil {
		return nil, fmt.Errorf("failed to count recently resolved alerts: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, summaryCacheKey, summary, s.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache alert summary")
		}
	}

	return summary, nil
}

// InvalidateSummary drops the cached summary after an alert write.
func (s *Service) InvalidateSummary(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, summaryCacheKey); err != nil {
		log.Debug().Err(err).Msg("Failed to invalidate alert summary cache")
	}
}

// GetPatternBreakdown returns alert counts and total exposure per fraud
// pattern over the last N days.
func (s *Service) GetPatternBreakdown(ctx context.Context, days int) ([]models.PatternCount, error) {
	query := `
		SELECT
			pattern_type,
			COUNT(*) as count,
			COALESCE(SUM(exposure_amount), 0) as exposure
		FROM fraud_alerts
		WHERE created_at >= NOW() - ($1::text || ' days')::interval
		GROUP BY pattern_type
		ORDER BY count DESC
	`

	rows, err := s.db.Pool.Query(ctx, query, fmt.Sprintf("%d", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []models.PatternCount
	for rows.Next() {
		var pc models.PatternCount
		if err := rows.Scan(&pc.PatternType, &pc.Count, &pc.Exposure); err != nil {
			return nil, err
		}
		patterns = append(patterns, pc)
	}

	return patterns, rows.Err()
}

// GetRecentActivity returns the newest audit entries across all alerts.
func (s *Service) GetRecentActivity(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.auditRepo.GetRecent(ctx, limit)
}

// GetSystemMetrics returns current system health metrics. Individual probes
// fail soft; the response carries whatever could be collected.
func (s *Service) GetSystemMetrics(ctx context.Context) (*models.SystemMetrics, error) {
	metrics := &models.SystemMetrics{
		Timestamp: time.Now(),
	}

	dbStats := s.db.Stats()
	metrics.DBConnectionsActive = int(dbStats.AcquiredConns())
	metrics.DBConnectionsIdle = int(dbStats.IdleConns())

	if s.stream != nil {
		if length, err := s.stream.StreamLength(ctx); err == nil {
			metrics.EventStreamLength = length
		}
	}

	open, err := s.alertRepo.CountByStatuses(ctx, models.AlertStatusNew, models.AlertStatusInvestigating)
	if err == nil {
		metrics.OpenAlerts = open
	}

	return metrics, nil
}

func (s *Service) countGroups(ctx context.Context, column string, dest map[string]int) error {
	// column is one of the fixed enum columns, never client input
	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM fraud_alerts GROUP BY %s`, column, column)

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dest[key] = count
	}

	return rows.Err()
}
