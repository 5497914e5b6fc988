// Package commands implements the calliope CLI commands.
package commands

import (
	"database/sql"
	"time"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/config"
	"github.com/calliopehq/calliope/convo"
	"github.com/calliopehq/calliope/db"
	"github.com/calliopehq/calliope/engine"
	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/logger"
	"github.com/calliopehq/calliope/notify"
	"github.com/calliopehq/calliope/queue"
	"github.com/calliopehq/calliope/resolver"
	"github.com/calliopehq/calliope/store"
)

// app bundles the wired pipeline components behind one open/close pair.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	tasks    *store.TaskStore
	log      *queue.Log
	queue    *queue.Queue
	convo    *convo.Store
	engine   *engine.Engine
	notifier *notify.Dispatcher
}

// openApp loads config, opens and migrates the database, and wires the
// pipeline.
func openApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	log := logger.Named("calliope")
	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, log); err != nil {
		database.Close()
		return nil, err
	}

	convoStore, err := convo.New(database,
		time.Duration(cfg.Convo.TTLHours)*time.Hour,
		cfg.Convo.FallbackCapacity,
		logger.Named("convo"))
	if err != nil {
		database.Close()
		return nil, err
	}

	placeholders := store.NewPlaceholderStore(database)
	eng := engine.New(engine.Options{
		Templates:         store.NewTemplateStore(database),
		Resolver:          resolver.New(placeholders, store.NewTableStore(database), builtinMethods(), logger.Named("resolver")),
		Definitions:       placeholders,
		Models:            store.NewModelConfigStore(database),
		Bindings:          store.NewBindingStore(database),
		Convo:             convoStore,
		HistoryWindow:     cfg.Convo.HistoryWindow,
		MaxToolIterations: cfg.Model.MaxToolIterations,
		PlainTimeout:      time.Duration(cfg.Model.PlainTimeoutSeconds) * time.Second,
		ToolTimeout:       time.Duration(cfg.Model.ToolTimeoutSeconds) * time.Second,
		Logger:            logger.Named("engine"),
	})

	queueLog := queue.NewLog(database,
		time.Duration(cfg.Worker.RedeliverIdleSeconds)*time.Second,
		logger.Named("queue"))
	tasks := store.NewTaskStore(database)

	return &app{
		cfg:    cfg,
		db:     database,
		tasks:  tasks,
		log:    queueLog,
		queue:  queue.New(queueLog, tasks),
		convo:  convoStore,
		engine: eng,
		notifier: notify.NewDispatcher(notify.Config{
			From:        cfg.Notify.From,
			APIEndpoint: cfg.Notify.APIEndpoint,
			APIKey:      cfg.Notify.APIKey,
			SMTPHost:    cfg.Notify.SMTPHost,
			SMTPPort:    cfg.Notify.SMTPPort,
			SMTPUser:    cfg.Notify.SMTPUser,
			SMTPPass:    cfg.Notify.SMTPPass,
		}, logger.Named("notify")),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// builtinMethods registers the dynamic methods shipped with the binary.
// Deployment-specific methods are registered here before startup.
func builtinMethods() *resolver.MethodRegistry {
	registry := resolver.NewMethodRegistry()
	registry.Register(resolver.CurrentDateMethod())
	registry.Register(resolver.CurrentTimeMethod())
	return registry
}
