package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"helpdesk/assets/internal/config"
	"helpdesk/assets/internal/directory"
	"helpdesk/assets/internal/identity"
	"helpdesk/assets/internal/kv"
	"helpdesk/assets/internal/logger"
	"helpdesk/assets/internal/metrics"
	"helpdesk/assets/internal/model"
)

const syncLockKey = "device_sync"

type DeviceLister interface {
	UserDevices(ctx context.Context) ([]directory.UserDevice, error)
}

type HistoryStore interface {
	LatestDeviceTypes(ctx context.Context) (map[string]string, error)
	RecordDeviceChange(ctx context.Context, change model.DeviceChange) error
}

type SyncResult struct {
	Users    int
	Changes  int
	Skipped  bool
	Duration time.Duration
}

// DeviceSyncer writes a change history row whenever a user's computed device
// type differs from the last one recorded for them.
type DeviceSyncer struct {
	devices DeviceLister
	history HistoryStore
	guard   *kv.Guard
	lockTTL time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewDeviceSyncer(devices DeviceLister, history HistoryStore, guard *kv.Guard, lockTTL time.Duration) *DeviceSyncer {
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	return &DeviceSyncer{
		devices: devices,
		history: history,
		guard:   guard,
		lockTTL: lockTTL,
		log:     logger.WithComponent("device_sync"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sync pass. When another replica holds the sync lock the
// pass is skipped.
func (s *DeviceSyncer) Run(ctx context.Context) (SyncResult, error) {
	started := s.now()
	lease, ok, err := s.guard.Acquire(ctx, syncLockKey, s.lockTTL)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return SyncResult{}, err
	}
	if !ok {
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		return SyncResult{Skipped: true}, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Msg("release sync lock failed")
		}
	}()

	result, err := s.sync(ctx)
	result.Duration = s.now().Sub(started)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return result, err
	}
	metrics.SyncRuns.WithLabelValues("ok").Inc()
	return result, nil
}

func (s *DeviceSyncer) sync(ctx context.Context) (SyncResult, error) {
	devices, err := s.devices.UserDevices(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("user devices: %w", err)
	}
	latest, err := s.history.LatestDeviceTypes(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("latest device types: %w", err)
	}

	var result SyncResult
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		// The first device listed for a user decides their recorded type.
		key := identity.EmailKey(d.Email)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		result.Users++

		newType := d.Result.Type.String()
		previous, known := latest[key]
		if known && previous == newType {
			continue
		}
		change := model.DeviceChange{
			Email:     key,
			NewType:   newType,
			Reason:    d.Result.Reason,
			ChangedAt: s.now(),
		}
		if known {
			change.PreviousType = &previous
		}
		if err := s.history.RecordDeviceChange(ctx, change); err != nil {
			return result, fmt.Errorf("record change for %s: %w", key, err)
		}
		result.Changes++
		metrics.DeviceChanges.Inc()
		s.log.Info().Str("email", key).Str("previous", previous).Str("new", newType).Str("rule", string(d.Result.Rule)).Msg("device type changed")
	}
	return result, nil
}

func StartDeviceSyncJob(ctx context.Context, cfg config.Config, syncer *DeviceSyncer) {
	if !cfg.DeviceSyncEnabled {
		return
	}
	log := logger.WithComponent("device_sync")
	if syncer == nil {
		log.Warn().Msg("device sync job disabled: syncer not configured")
		return
	}
	interval := cfg.DeviceSyncInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	timeout := cfg.DeviceSyncTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				result, err := syncer.Run(tickCtx)
				cancel()
				if err != nil {
					log.Error().Err(err).Msg("device sync job error")
					continue
				}
				if result.Skipped {
					log.Debug().Msg("device sync skipped: lock held elsewhere")
					continue
				}
				if result.Changes > 0 {
					log.Info().Int("users", result.Users).Int("changes", result.Changes).Dur("duration", result.Duration).Msg("device sync recorded changes")
				}
			}
		}
	}()
}
