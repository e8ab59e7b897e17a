// Package handlers assembles the built-in node handlers into a dispatch table.
package handlers

import (
	"net/http"

	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/code"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/condition"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/csv"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/database"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/delay"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/httprequest"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/loop"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/transform"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/trigger"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	"go.uber.org/zap"
)

// Config holds the collaborators injected into the built-in handlers. Every field
// is optional.
type Config struct {
	Logger     *zap.Logger
	Notifier   trigger.Notifier
	LoopBody   loop.Body
	Clock      trigger.Clock
	HTTPClient *http.Client
	DBDialer   database.Dialer

	// LoopConcurrency is the default concurrency of parallel loops
	LoopConcurrency int
}

// Registry is the dispatch table of built-in handlers together with the resources
// they own.
type Registry struct {
	*runtime.HandlerRegistry
	database *database.Handler
}

// NewHandlerRegistry registers one handler per node type.
func NewHandlerRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpOpts := []httprequest.Option{httprequest.WithLogger(logger.Named("http"))}
	if cfg.HTTPClient != nil {
		httpOpts = append(httpOpts, httprequest.WithHTTPClient(cfg.HTTPClient))
	}
	dbOpts := []database.Option{database.WithLogger(logger.Named("database"))}
	if cfg.DBDialer != nil {
		dbOpts = append(dbOpts, database.WithDialer(cfg.DBDialer))
	}
	db := database.NewHandler(dbOpts...)

	reg := runtime.NewHandlerRegistry()

	// Logic
	reg.MustRegister(runtime.NodeTypeCondition, condition.NewHandler())
	reg.MustRegister(runtime.NodeTypeLoop, loop.NewHandler(
		loop.WithBody(cfg.LoopBody),
		loop.WithLogger(logger.Named("loop")),
		loop.WithMaxConcurrent(cfg.LoopConcurrency),
	))
	reg.MustRegister(runtime.NodeTypeDelay, delay.NewHandler())

	// Data
	reg.MustRegister(runtime.NodeTypeTransform, transform.NewHandler())
	reg.MustRegister(runtime.NodeTypeCSVImport, csv.NewImportHandler())
	reg.MustRegister(runtime.NodeTypeCSVExport, csv.NewExportHandler())
	reg.MustRegister(runtime.NodeTypeCode, code.NewHandler(logger.Named("code")))

	// Actions
	reg.MustRegister(runtime.NodeTypeHTTPRequest, httprequest.NewHandler(httpOpts...))
	reg.MustRegister(runtime.NodeTypeDatabaseQuery, db)

	// Triggers
	reg.MustRegister(runtime.NodeTypeSchedule, trigger.NewScheduleHandler(cfg.Clock))
	reg.MustRegister(runtime.NodeTypeWebhook, trigger.NewWebhookHandler(cfg.Clock))
	reg.MustRegister(runtime.NodeTypeDatabaseWatch, trigger.NewDatabaseWatchHandler(cfg.Clock))
	reg.MustRegister(runtime.NodeTypeErrorTrigger, trigger.NewErrorTriggerHandler(cfg.Clock, cfg.Notifier, logger.Named("error_trigger")))

	return &Registry{HandlerRegistry: reg, database: db}
}

// Close releases pooled database connections.
func (r *Registry) Close() {
	r.database.Close()
}
