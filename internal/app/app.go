package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/geoforge/rasterflow/internal/blob"
	"github.com/geoforge/rasterflow/internal/bus"
	"github.com/geoforge/rasterflow/internal/catalog"
	"github.com/geoforge/rasterflow/internal/data/db"
	jobsrepo "github.com/geoforge/rasterflow/internal/data/repos/jobs"
	"github.com/geoforge/rasterflow/internal/engine"
	"github.com/geoforge/rasterflow/internal/observability"
	"github.com/geoforge/rasterflow/internal/platform/envutil"
	"github.com/geoforge/rasterflow/internal/platform/logger"
	"github.com/geoforge/rasterflow/internal/platform/retryutil"
	"github.com/geoforge/rasterflow/internal/server"
)

type App struct {
	Log    *logger.Logger
	Cfg    Config
	DB     *gorm.DB
	Router *gin.Engine

	worker       *engine.Worker
	rdb          *goredis.Client
	cancel       context.CancelFunc
	shutdownOtel func(context.Context) error
}

func New() (*App, error) {
	log, err := logger.New(envutil.Str("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Sync()
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		log.Sync()
		return nil, err
	}

	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "rasterflow",
		Environment: cfg.Mode,
	})

	pg, err := db.NewPostgresService(log, db.Config{
		DSN:          cfg.DatabaseURL,
		AppSchema:    cfg.AppSchema,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.Migrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	theDB := pg.DB()

	jobRepo := jobsrepo.NewJobRepo(theDB, log)
	taskRepo := jobsrepo.NewTaskRepo(theDB, log)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// worker_count scales the in-flight ceiling; instance_count is the
	// deployment's concern.
	maxConcurrent := cfg.WorkerCount * cfg.MaxConcurrentCalls
	newQueue := func(stream string) (bus.Queue, error) {
		return bus.NewRedisQueue(log, rdb, bus.Config{
			Stream:           stream,
			Group:            "workers",
			Consumer:         cfg.InstanceName,
			LockDuration:     cfg.Queue.LockDuration,
			AutoRenewMax:     cfg.Queue.AutoRenewMax,
			MaxDeliveryCount: cfg.Queue.MaxDeliveryCount,
			MaxConcurrent:    maxConcurrent,
		})
	}
	jobsQ, err := newQueue(cfg.Queue.JobsName)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init jobs queue: %w", err)
	}
	tasksQ, err := newQueue(cfg.Queue.TasksName)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init tasks queue: %w", err)
	}

	handlers, jobsReg, err := catalog.Compose(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("compose catalog: %w", err)
	}

	var results blob.ResultStore
	if cfg.ResultsBucket != "" {
		bucket, err := blob.NewGCSBucket(context.Background(), log, cfg.ResultsBucket)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init results bucket: %w", err)
		}
		results = blob.NewStore(log, bucket, blob.DefaultInlineLimit)
	} else {
		results = blob.NewPassthrough()
	}

	machine := engine.NewMachine(log, jobRepo, taskRepo, jobsReg, handlers, jobsQ, tasksQ, results, engine.Config{
		HandlerTimeout: cfg.HandlerTimeout,
		Retry: retryutil.Policy{
			MaxAttempts: cfg.Retry.Max,
			MinBackoff:  cfg.Retry.BaseDelay,
			MaxBackoff:  cfg.Retry.MaxDelay,
		},
	})
	worker := engine.NewWorker(log, machine, jobsQ, tasksQ)
	sub := engine.NewSubmitter(log, jobRepo, jobsReg, jobsQ)

	if cfg.Mode == "production" || cfg.Mode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.RouterConfig{
		Log:          log,
		Jobs:         server.NewJobHandler(log, sub, jobRepo, taskRepo),
		AllowOrigins: cfg.AllowOrigins,
	})

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           theDB,
		Router:       router,
		worker:       worker,
		rdb:          rdb,
		shutdownOtel: shutdownOtel,
	}, nil
}

func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.worker.Start(ctx)
}

func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(a.Cfg.HTTPAddr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.shutdownOtel != nil {
		_ = a.shutdownOtel(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
