// Package app assembles a sync client runtime from configuration.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/engine"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/polling"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tabs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ClientOptions carries collaborators shared with other runtimes.
type ClientOptions struct {
	// Bus links runtimes that share one local database. Without one the client leads alone.
	Bus tabs.Broadcaster
	// Database replaces opening cfg.DatabasePath.
	Database *gorm.DB
	TabID    string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Client is a running sync client: the engine plus the realtime channel, adaptive polling,
// leader election and scheduled maintenance around it.
type Client struct {
	Engine   *engine.Engine
	Realtime *realtime.Manager
	Polling  *polling.Controller
	Tabs     *tabs.Coordinator
	Remote   *remote.HTTPClient
	History  *conflict.History

	db            *gorm.DB
	ownsDatabase  bool
	maintenance   *cron.Cron
	sweepInterval time.Duration
	logger        *zap.Logger
}

// NewClient wires a client from configuration.
func NewClient(cfg config.ClientConfig, opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	db := opts.Database
	ownsDatabase := false
	if db == nil {
		opened, err := database.OpenLocal(cfg.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		db = opened
		ownsDatabase = true
	}
	client, err := assemble(cfg, opts, db, clock, logger)
	if err != nil {
		if ownsDatabase {
			closeDatabase(db)
		}
		return nil, err
	}
	client.ownsDatabase = ownsDatabase
	return client, nil
}

func assemble(cfg config.ClientConfig, opts ClientOptions, db *gorm.DB, clock func() time.Time, logger *zap.Logger) (*Client, error) {
	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Database:   db,
		Clock:      clock,
		MaxRetries: cfg.Sync.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	history, err := conflict.NewHistory(conflict.HistoryConfig{Database: db, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}

	remoteClient := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL: cfg.RemoteURL,
		Token:   cfg.AccessToken,
		Logger:  logger,
	})
	revalidator, err := auth.NewRevalidator(auth.RevalidatorConfig{
		Token:  remoteClient.Token,
		Remote: remoteClient,
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	syncEngine, err := engine.New(engine.Config{
		Store:               store,
		Queue:               queue,
		History:             history,
		Remote:              remoteClient,
		Auth:                revalidator,
		Tables:              cfg.Tables,
		DeviceID:            cfg.DeviceID,
		PushIterations:      cfg.Sync.PushIterations,
		LockTimeout:         cfg.Sync.LockTimeout,
		PhaseTimeout:        cfg.Sync.PhaseTimeout,
		ProtectionWindow:    cfg.Sync.ProtectionWindow,
		PushDebounce:        cfg.Sync.PushDebounce,
		TombstoneRetention:  cfg.Sync.TombstoneRetention,
		RemotePurgeInterval: cfg.Sync.RemotePurgeInterval,
		ConflictRetention:   cfg.Sync.ConflictRetention,
		EditWindow:          cfg.EditGuard.Window,
		EditStaleAfter:      cfg.EditGuard.StaleAfter,
		Clock:               clock,
		Logger:              logger.Named("engine"),
	})
	if err != nil {
		return nil, err
	}

	manager, err := realtime.NewManager(realtime.Config{
		Subscriber:  remoteClient,
		Applier:     syncEngine,
		Tables:      syncEngine.Tables(),
		MaxAttempts: cfg.Realtime.MaxAttempts,
		BaseDelay:   cfg.Realtime.BaseDelay,
		MaxDelay:    cfg.Realtime.MaxDelay,
		EchoTTL:     cfg.Sync.EchoTTL,
		Clock:       clock,
		Logger:      logger.Named("realtime"),
	})
	if err != nil {
		syncEngine.Close()
		return nil, err
	}
	syncEngine.AttachRealtime(manager)

	controller, err := polling.NewController(polling.ControllerConfig{
		Policy: polling.Policy{
			ActiveInterval: cfg.Polling.ActiveInterval,
			IdleInterval:   cfg.Polling.IdleInterval,
			IdleThreshold:  cfg.Polling.IdleThreshold,
		},
		Poll:     syncEngine.BackgroundSync,
		Probe:    syncEngine.HasRemoteUpdates,
		Realtime: manager,
		Clock:    clock,
		Logger:   logger.Named("polling"),
	})
	if err != nil {
		syncEngine.Close()
		return nil, err
	}

	coordinator, err := tabs.NewCoordinator(tabs.Config{
		Bus:               opts.Bus,
		TabID:             opts.TabID,
		HeartbeatInterval: cfg.Tabs.HeartbeatInterval,
		LeaderTimeout:     cfg.Tabs.LeaderTimeout,
		Clock:             clock,
		Logger:            logger.Named("tabs"),
	})
	if err != nil {
		syncEngine.Close()
		return nil, err
	}
	syncEngine.AttachBroadcaster(coordinator)

	maintenance, err := syncEngine.ScheduleMaintenance(cfg.Sync.MaintenanceSchedule)
	if err != nil {
		syncEngine.Close()
		return nil, err
	}

	return &Client{
		Engine:        syncEngine,
		Realtime:      manager,
		Polling:       controller,
		Tabs:          coordinator,
		Remote:        remoteClient,
		History:       history,
		db:            db,
		maintenance:   maintenance,
		sweepInterval: cfg.EditGuard.SweepInterval,
		logger:        logger,
	}, nil
}

// Run drives the client until ctx is done. Every runtime keeps its realtime channel and
// edit sweep; only the elected leader polls and runs maintenance.
func (c *Client) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(c.Realtime.Run(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(c.Tabs.Run(groupCtx))
	})
	group.Go(func() error {
		c.Engine.Edits().Run(groupCtx, c.sweepInterval)
		return nil
	})
	group.Go(func() error {
		c.runWhileLeading(groupCtx)
		return nil
	})
	return group.Wait()
}

// runWhileLeading starts polling and maintenance when this runtime leads and stops them
// when it loses leadership.
func (c *Client) runWhileLeading(ctx context.Context) {
	changes := make(chan bool, 1)
	unsubscribe := c.Tabs.OnLeadershipChange(func(leader bool) {
		select {
		case <-changes:
		default:
		}
		changes <- leader
	})
	defer unsubscribe()

	var (
		wg          sync.WaitGroup
		stopPolling context.CancelFunc
	)
	lead := func(leader bool) {
		switch {
		case leader && stopPolling == nil:
			pollCtx, cancel := context.WithCancel(ctx)
			stopPolling = cancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Engine.BackgroundSync(pollCtx); err != nil {
					c.logger.Warn("initial sync failed", zap.Error(err))
				}
				_ = c.Polling.Run(pollCtx)
			}()
			c.maintenance.Start()
			c.logger.Info("leading background sync", zap.String("tab_id", c.Tabs.TabID()))
		case !leader && stopPolling != nil:
			stopPolling()
			stopPolling = nil
			<-c.maintenance.Stop().Done()
			c.logger.Info("yielded background sync", zap.String("tab_id", c.Tabs.TabID()))
		}
	}

	lead(c.Tabs.IsLeader())
	for {
		select {
		case <-ctx.Done():
			lead(false)
			wg.Wait()
			return
		case leader := <-changes:
			lead(leader)
		}
	}
}

// OnDataChange registers a listener for entities changed by this runtime, by the realtime
// channel or by another runtime sharing the database.
func (c *Client) OnDataChange(listener func(table, entityID string)) func() {
	unsubscribers := []func(){
		c.Engine.OnLocalChange(listener),
		c.Realtime.OnDataUpdate(listener),
		c.Tabs.OnLocalWrite(listener),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// SetOnline propagates network availability to every component.
func (c *Client) SetOnline(online bool) {
	c.Engine.SetOnline(online)
	c.Realtime.SetOnline(online)
	c.Polling.SetOnline(online)
}

// RecordActivity marks user activity for adaptive polling.
func (c *Client) RecordActivity() {
	c.Polling.RecordActivity()
}

// Close stops scheduled work and closes the database the client opened.
func (c *Client) Close() {
	c.Engine.Close()
	<-c.maintenance.Stop().Done()
	if c.ownsDatabase {
		closeDatabase(c.db)
	}
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
