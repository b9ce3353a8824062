package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/definition"
	"github.com/pitabwire/sequencer/internal/executor"
	"github.com/pitabwire/sequencer/internal/hitl"
	"github.com/pitabwire/sequencer/internal/idempotency"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/internal/router"
	"github.com/pitabwire/sequencer/internal/skill"
	"github.com/pitabwire/sequencer/internal/store"
)

// engine holds everything needed to execute sequences, shared by the serve
// and run commands.
type engine struct {
	store        store.Store
	gate         *hitl.Gate
	bus          *hitl.RedisBus
	orchestrator *orchestrator.Orchestrator
	telegram     *bot.Bot
	discord      *discordgo.Session

	closers []func()
}

// close releases resources in reverse construction order.
func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*engine, error) {
	e := &engine{}

	// Persistence.
	st, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	e.store = st
	e.closers = append(e.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", zap.Error(err))
		}
	})

	// Decision bus.
	gateOpts := []hitl.Option{hitl.WithLogger(logger), hitl.WithMetrics(metrics)}
	if cfg.HITL.Bus.Driver == "redis" {
		client, err := buildRedis(cfg.HITL.Bus.AddrEnv, cfg.HITL.Bus.DB)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("decision bus: %w", err)
		}
		e.bus = hitl.NewRedisBus(client, cfg.HITL.Bus.Channel, logger)
		e.closers = append(e.closers, func() { _ = e.bus.Close() })
		gateOpts = append(gateOpts, hitl.WithBus(e.bus))
	}

	// Notifiers. Chat callbacks resolve through the gate, which is created
	// after the notifiers it delivers through.
	notifiers := []hitl.Notifier{hitl.NewInAppNotifier(logger)}
	if cfg.HITL.Slack.Enabled {
		token, err := requireEnv(cfg.HITL.Slack.TokenEnv)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("slack: %w", err)
		}
		notifiers = append(notifiers, hitl.NewSlackNotifier(slack.New(token), cfg.HITL.Slack.DefaultChannelID))
	}
	if cfg.HITL.Telegram.Enabled {
		token, err := requireEnv(cfg.HITL.Telegram.TokenEnv)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		b, err := bot.New(token, bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
			hitl.TelegramCallbackHandler(e.gate, logger)(ctx, b, update)
		}))
		if err != nil {
			e.close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		e.telegram = b
		notifiers = append(notifiers, hitl.NewTelegramNotifier(b, cfg.HITL.Telegram.ChatID))
	}
	if cfg.HITL.Discord.Enabled {
		token, err := requireEnv(cfg.HITL.Discord.TokenEnv)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("discord: %w", err)
		}
		session, err := discordgo.New("Bot " + token)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("discord: %w", err)
		}
		e.discord = session
		notifiers = append(notifiers, hitl.NewDiscordNotifier(session, cfg.HITL.Discord.ChannelID))
	}
	gateOpts = append(gateOpts, hitl.WithNotifiers(notifiers...))
	e.gate = hitl.NewGate(st, cfg.HITL, gateOpts...)
	if e.discord != nil {
		e.discord.AddHandler(hitl.DiscordInteractionHandler(e.gate, logger))
	}

	// Skills: in-process handlers first, then the remote service.
	var remote skill.Executor
	if cfg.Skills.BaseURL != "" {
		remote = skill.NewHTTPExecutor(cfg.Skills, os.Getenv(cfg.Skills.TokenEnv), logger, metrics)
	} else {
		logger.Warn("skills.base_url not configured, only in-process skills are available")
	}
	dispatcher := skill.NewDispatcher(skill.NewHandlerRegistry(), remote, logger, metrics)

	rt, err := router.New(router.DefaultTable(), dispatcher, logger)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("routing table: %w", err)
	}

	steps := executor.New(rt, dispatcher, e.gate, logger, metrics)
	e.orchestrator = orchestrator.New(steps, st, cfg.Orchestrator, logger, metrics)
	return e, nil
}

// buildStore creates the execution store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory execution store")
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info("using sqlite execution store", zap.String("path", cfg.SQLitePath))
		return s, nil
	case "postgres":
		dsn, err := requireEnv(cfg.DSNEnv)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres store: ping: %w", err)
		}

		s := store.NewPostgresStore(pool)
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres store: migrate: %w", err)
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the trigger deduplication store. It returns
// a nil Store when deduplication is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Driver {
	case "redis":
		client, err := buildRedis(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}

func buildRedis(addrEnv string, db int) (*redis.Client, error) {
	addr, err := requireEnv(addrEnv)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}

// loadDefinitions loads, validates, and indexes every sequence definition
// in the configured directories.
func loadDefinitions(dirs []string, logger *zap.Logger) (*definition.Registry, error) {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, fmt.Errorf("definition loading failed: %w", err)
	}
	blocking, warnings := definition.Partition(definition.NewValidator().Validate(defs))
	for _, ve := range warnings {
		logger.Warn("definition validation warning", zap.String("code", ve.Code), zap.String("warning", ve.Error()))
	}
	if len(blocking) > 0 {
		errs := make([]error, 0, len(blocking))
		for _, ve := range blocking {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
			errs = append(errs, ve)
		}
		return nil, fmt.Errorf("definition validation failed: %w", errors.Join(errs...))
	}
	return definition.NewRegistry(defs), nil
}

func requireEnv(name string) (string, error) {
	if name == "" {
		return "", errors.New("environment variable name not configured")
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%s environment variable not set", name)
	}
	return v, nil
}
