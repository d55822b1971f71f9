// Package replay re-drives stored notifications that never reached a
// settled outcome: events still pending past a grace period, and events
// marked succeeded whose activation fan-out visibly did nothing.
package replay

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/acsk/AppCheckin-sub006/internal/clock"
	"github.com/acsk/AppCheckin-sub006/internal/config"
	"github.com/acsk/AppCheckin-sub006/internal/events"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	"github.com/acsk/AppCheckin-sub006/internal/observability/metrics"
	reconciledomain "github.com/acsk/AppCheckin-sub006/internal/reconcile/domain"
)

// Config controls the periodic replay loop.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	PendingGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 10 * time.Minute
	}
	return c
}

type Param struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	Clock     clock.Clock
	EventRepo notifdomain.Repository
	Service   reconciledomain.Service
	Outbox    *events.Outbox
	Metrics   *metrics.PipelineMetrics `optional:"true"`
}

// Coordinator owns the replay loop and the synchronous operator replay
// entry points. Replaying is always safe: reconciliation is idempotent, so
// the worst a spurious replay does is confirm the current state.
type Coordinator struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	events  notifdomain.Repository
	svc     reconciledomain.Service
	outbox  *events.Outbox
	metrics *metrics.PipelineMetrics
}

func NewCoordinator(p Param) *Coordinator {
	return &Coordinator{
		db: p.DB,
		cfg: Config{
			Interval:     p.Config.Replay.Interval,
			BatchSize:    p.Config.Replay.BatchSize,
			PendingGrace: p.Config.Replay.PendingGrace,
		}.withDefaults(),
		log:     p.Log.Named("replay.coordinator"),
		clock:   p.Clock,
		events:  p.EventRepo,
		svc:     p.Service,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

// RunForever scans on the configured interval until the context ends.
func (c *Coordinator) RunForever(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.log.Error("replay scan", zap.Error(err))
			}
		}
	}
}

// RunOnce scans for replay candidates and reprocesses them. It returns the
// number of events replayed.
func (c *Coordinator) RunOnce(ctx context.Context) (int, error) {
	candidates, err := c.collect(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, id := range candidates {
		select {
		case <-ctx.Done():
			return replayed, ctx.Err()
		default:
		}
		if _, err := c.replay(ctx, id, "scan"); err != nil {
			c.log.Error("replay event", zap.Int64("event_id", int64(id)), zap.Error(err))
			continue
		}
		replayed++
	}
	if replayed > 0 {
		c.log.Info("replay scan complete", zap.Int("replayed", replayed))
	}
	return replayed, nil
}

// collect picks candidate ids in a short transaction so the row locks are
// released before reprocessing starts.
func (c *Coordinator) collect(ctx context.Context) ([]snowflake.ID, error) {
	cutoff := c.clock.Now().Add(-c.cfg.PendingGrace)

	var ids []snowflake.ID
	err := c.db.Transaction(func(tx *gorm.DB) error {
		stale, err := c.events.LockStalePending(ctx, tx, cutoff, c.cfg.BatchSize)
		if err != nil {
			return err
		}
		silent, err := c.events.LockSilentFailures(ctx, tx, c.cfg.BatchSize)
		if err != nil {
			return err
		}

		seen := make(map[snowflake.ID]struct{}, len(stale)+len(silent))
		for _, event := range append(stale, silent...) {
			if _, ok := seen[event.ID]; ok {
				continue
			}
			seen[event.ID] = struct{}{}
			ids = append(ids, event.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		for range ids {
			c.metrics.IncReplayScanned()
		}
	}
	return ids, nil
}

// ReplayEvent reprocesses one stored notification on demand.
func (c *Coordinator) ReplayEvent(ctx context.Context, eventID snowflake.ID) (*reconciledomain.Result, error) {
	return c.replay(ctx, eventID, "operator")
}

// ReplayExternal reprocesses the most recent delivery recorded for a
// gateway object id.
func (c *Coordinator) ReplayExternal(ctx context.Context, externalObjectID string) (*reconciledomain.Result, error) {
	event, err := c.events.FindLatestByExternalObjectID(ctx, c.db, externalObjectID)
	if err != nil {
		return nil, err
	}
	return c.replay(ctx, event.ID, "operator")
}

func (c *Coordinator) replay(ctx context.Context, eventID snowflake.ID, trigger string) (*reconciledomain.Result, error) {
	result, err := c.svc.Process(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if event, err := c.events.FindByID(ctx, c.db, eventID); err == nil && event.OrgID != nil {
		publishErr := c.outbox.Publish(ctx, events.Event{
			OrgID: *event.OrgID,
			Type:  events.EventNotificationReplayed,
			Payload: map[string]any{
				"notification_event_id": eventID.String(),
				"trigger":               trigger,
				"outcome":               string(result.Outcome),
			},
			DedupeKey: events.EventNotificationReplayed + ":" + eventID.String() + ":" + strconv.FormatInt(c.clock.Now().UnixNano(), 10),
		})
		if publishErr != nil {
			c.log.Warn("publish replay event", zap.Error(publishErr))
		}
	}
	return result, nil
}

var Module = fx.Module("replay",
	fx.Provide(NewCoordinator),
	fx.Invoke(func(lc fx.Lifecycle, coordinator *Coordinator) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					coordinator.RunForever(ctx)
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				<-done
				return nil
			},
		})
	}),
)
