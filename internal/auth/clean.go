package auth

import (
	"context"
	"log/slog"
	"time"
)

const DefaultTokenCleanupInterval = time.Hour

// StartTokenCleaner periodically purges expired tokens until ctx is done.
func (s *Service) StartTokenCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				slog.Error("purge expired tokens", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired tokens", "count", n)
			}
		}
	}
}

// PurgeExpired removes tokens past their expiry and reports how many went.
// Cached copies expire on their own redis TTL.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
