// Package app wires the moderation engine together: config, transport,
// moderation core, executor, event log and the backend sync engine.
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex064/earnquest-tg/internal/config"
	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/eventbus"
	"github.com/apex064/earnquest-tg/internal/eventlog"
	"github.com/apex064/earnquest-tg/internal/executor"
	"github.com/apex064/earnquest-tg/internal/moderation"
	"github.com/apex064/earnquest-tg/internal/pipeline"
	"github.com/apex064/earnquest-tg/internal/runtime/supervisor"
	"github.com/apex064/earnquest-tg/internal/storage"
	"github.com/apex064/earnquest-tg/internal/syncer"
	"github.com/apex064/earnquest-tg/internal/transport"
	"github.com/apex064/earnquest-tg/internal/transport/telegram"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

const defaultSyncSchedule = "interval:60s"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logSvc *logx.Service

	adapter *telegram.Adapter
	client  *controlplane.Client
	disk    storage.Store

	store  *moderation.ConfStore
	ledger *moderation.Ledger
	exec   *executor.Executor
	rec    *eventlog.Recorder
	elSvc  *eventlog.Service
	pipe   *pipeline.Pipeline
	sync   *syncer.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, adapter)
	log = log.With(logx.String("comp", "app"))
	applyLogTarget(logSvc, cfg)

	botKey := strings.TrimSpace(cfg.API.BotKey)
	if botKey == "" {
		botKey = strings.TrimSpace(os.Getenv("BOT_KEY"))
	}
	apiTimeout, err := config.ParseDurationField("api.timeout", cfg.API.Timeout)
	if err != nil {
		return nil, err
	}
	waitMin, _ := config.ParseDurationField("api.retry_wait_min", cfg.API.RetryWaitMin)
	waitMax, _ := config.ParseDurationField("api.retry_wait_max", cfg.API.RetryWaitMax)
	client, err := controlplane.New(controlplane.Config{
		BaseURL:      cfg.API.BaseURL,
		BotKey:       botKey,
		Timeout:      apiTimeout,
		RetryMax:     cfg.API.RetryMax,
		RetryWaitMin: waitMin,
		RetryWaitMax: waitMax,
	}, log.With(logx.String("comp", "api")))
	if err != nil {
		return nil, err
	}

	var disk storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		disk, err = storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
			log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
	}

	store := moderation.NewConfStore(moderationDefaults(cfg))
	ledger := moderation.NewLedger()
	bus := eventbus.New()

	callTimeout, _ := config.ParseDurationField("executor.call_timeout", cfg.Executor.CallTimeout)
	exec := executor.New(adapter, bus, executor.Config{
		RatePerSec:  cfg.Executor.RatePerSec,
		Burst:       cfg.Executor.Burst,
		CallTimeout: callTimeout,
	}, log.With(logx.String("comp", "executor")))

	rec := eventlog.NewRecorder(disk, cfg.EventLog.BufferSize, log.With(logx.String("comp", "eventlog")))
	elSvc := eventlog.NewService(rec, bus, log.With(logx.String("comp", "eventlog")))

	updates := make(chan transport.Update, 256)

	pipe := pipeline.New(updates, store, ledger, exec, log.With(logx.String("comp", "pipeline")))
	pipe.SetGroups(cfg.Groups)
	pipe.SetTemplateContext(cfg.Sync.Website, cfg.Sync.ProjectName)

	trigger, err := syncTrigger(cfg)
	if err != nil {
		return nil, err
	}
	sync := syncer.New(client, store, ledger, exec, rec, disk, bus, trigger, cfg.Groups, syncer.Options{
		BatchMax:    cfg.EventLog.BatchMax,
		Website:     cfg.Sync.Website,
		ProjectName: cfg.Sync.ProjectName,
	}, log.With(logx.String("comp", "syncer")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logSvc:  logSvc,
		adapter: adapter,
		client:  client,
		disk:    disk,
		store:   store,
		ledger:  ledger,
		exec:    exec,
		rec:     rec,
		elSvc:   elSvc,
		pipe:    pipe,
		sync:    sync,
		updates: updates,
	}, nil
}

func moderationDefaults(cfg *config.Config) controlplane.ModerationConfig {
	return controlplane.ModerationConfig{
		AllowLinks:           cfg.Moderation.AllowLinks,
		AllowForwards:        cfg.Moderation.AllowForwards,
		AutoDeleteLinks:      cfg.Moderation.AutoDeleteLinks,
		MaxMessagesPerMinute: cfg.Moderation.MaxMessagesPerMinute,
		MuteDurationMinutes:  cfg.Moderation.MuteDurationMinutes,
		WarningThreshold:     cfg.Moderation.WarningThreshold,
		WelcomeText:          cfg.Moderation.WelcomeText,
		RulesText:            cfg.Moderation.RulesText,
	}
}

func syncTrigger(cfg *config.Config) (*syncer.Trigger, error) {
	schedule := strings.TrimSpace(cfg.Sync.Schedule)
	if schedule == "" {
		schedule = defaultSyncSchedule
	}
	return syncer.ParseTrigger(schedule, cfg.Sync.Timezone)
}

func applyLogTarget(logSvc *logx.Service, cfg *config.Config) {
	if s := strings.TrimSpace(cfg.Telegram.GroupLog); s != "" {
		if chatID, err := strconv.ParseInt(s, 10, 64); err == nil {
			logSvc.SetTelegramTarget(chatID)
			return
		}
	}
	logSvc.SetTelegramTarget(0)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := syncTrigger(cfg); err != nil {
			return fmt.Errorf("sync.schedule: %w", err)
		}
		return nil
	})

	// A rejected credential is fatal at startup; a merely unreachable
	// backend is not (the bot moderates on cached state).
	pctx, cancel := context.WithTimeout(a.sup.Context(), 20*time.Second)
	err := a.client.Ping(pctx)
	cancel()
	if err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.elSvc.Start(a.sup)
	a.pipe.Start(a.sup)
	a.sync.Start(a.sup)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logging.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}

				a.logSvc.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
					Telegram: logx.TelegramConfig{
						Enabled:    newCfg.Logging.Telegram.Enabled,
						MinLevel:   newCfg.Logging.Telegram.MinLevel,
						RatePerSec: newCfg.Logging.Telegram.RatePerSec,
					},
				})
				applyLogTarget(a.logSvc, newCfg)

				a.pipe.SetGroups(newCfg.Groups)
				a.pipe.SetTemplateContext(newCfg.Sync.Website, newCfg.Sync.ProjectName)
				a.sync.SetGroups(newCfg.Groups)
				a.sync.SetTemplateContext(newCfg.Sync.Website, newCfg.Sync.ProjectName)

				if trigger, err := syncTrigger(newCfg); err == nil {
					a.sync.SetTrigger(trigger)
				}

				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_ = a.adapter.Stop(stopCtx)
	a.elSvc.Stop()

	err := a.sup.Wait(stopCtx)

	if a.disk != nil {
		_ = a.disk.Close()
	}
	_ = a.logSvc.Close()

	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return err
	}
	return nil
}
