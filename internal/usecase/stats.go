package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gozale/safran-api/internal/logging"
)

// Cached stats are keyed by a per-owner generation that every stored
// prediction bumps. A count taken before a write lands under the old
// generation and is never read again.
func statsGenerationKey(ownerID string) string {
	return fmt.Sprintf("stats:gen:%s", ownerID)
}

func statsCacheKey(ownerID, generation string) string {
	return fmt.Sprintf("stats:%s:%s", ownerID, generation)
}

// GetStats returns the number of predictions per label for ownerID. Results
// are cached until the owner's next stored prediction; cache failures fall
// back to the store.
func (uc *PredictionUseCase) GetStats(ctx context.Context, ownerID string) (map[string]int64, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.get_stats", requestID)

	generation, err := uc.cache.Get(ctx, statsGenerationKey(ownerID))
	switch {
	case errors.Is(err, ErrCacheMiss):
		generation = "0"
	case err != nil:
		opLogger.Warn("failed to read stats generation", zap.Error(err))
		return uc.countByLabel(ctx, ownerID)
	}
	key := statsCacheKey(ownerID, generation)

	if cached, err := uc.cache.Get(ctx, key); err == nil {
		stats := make(map[string]int64)
		decodeErr := json.Unmarshal([]byte(cached), &stats)
		if decodeErr == nil {
			return stats, nil
		}
		opLogger.Warn("failed to decode cached stats", zap.Error(decodeErr))
	} else if !errors.Is(err, ErrCacheMiss) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	stats, err := uc.countByLabel(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if serialized, err := json.Marshal(stats); err == nil {
		if err := uc.cache.Set(ctx, key, string(serialized), uc.statsTTL); err != nil {
			opLogger.Warn("failed to cache stats", zap.Error(err))
		}
	}
	return stats, nil
}

func (uc *PredictionUseCase) countByLabel(ctx context.Context, ownerID string) (map[string]int64, error) {
	stats, err := uc.repo.CountByLabel(ctx, ownerID)
	if err != nil {
		return nil, uc.storageError(ctx, "usecase.get_stats", err)
	}
	return stats, nil
}

// invalidateStats moves the owner to a new generation so earlier snapshots,
// including ones still being computed, stop being served.
func (uc *PredictionUseCase) invalidateStats(ctx context.Context, ownerID string) {
	if _, err := uc.cache.Incr(context.WithoutCancel(ctx), statsGenerationKey(ownerID)); err != nil {
		logging.WithOperation(uc.logger, "usecase.invalidate_stats", logging.RequestIDFromContext(ctx)).
			Warn("failed to invalidate cached stats", zap.Error(err))
	}
}
