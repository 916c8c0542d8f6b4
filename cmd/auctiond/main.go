package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cloudx-io/blindticket/bridge"
	"github.com/cloudx-io/blindticket/config"
	"github.com/cloudx-io/blindticket/engine"
	"github.com/cloudx-io/blindticket/httpapi"
	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/logger"
	"github.com/cloudx-io/blindticket/store"
	"github.com/cloudx-io/blindticket/store/gormstore"
	"github.com/cloudx-io/blindticket/store/memstore"
)

func main() {
	cfgPath := os.Getenv("BT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if raw := os.Getenv("BT_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st, closeStore, err := openStore(cfg.DB, log)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer closeStore()

	keys, err := keyring.NewKeyManager()
	if err != nil {
		log.Fatal("key generation failed", zap.Error(err))
	}

	var issuer bridge.Issuer = bridge.NopIssuer{}
	if cfg.Bridge.Endpoint != "" {
		issuer = bridge.NewHTTPIssuer(
			&http.Client{Timeout: cfg.Bridge.Timeout},
			cfg.Bridge.Endpoint,
			log,
		)
	}

	eng := engine.New(st, keys, issuer, engine.SystemClock, log)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.NewServer(eng, keys, log).Register(router)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sweeper *cron.Cron
	if cfg.Sweep.Enabled {
		sweeper = cron.New()
		_, err = sweeper.AddFunc(cfg.Sweep.Schedule, func() {
			report, err := eng.Sweep(ctx)
			if err != nil {
				log.Warn("scheduled sweep failed", zap.Error(err))
				return
			}
			if len(report.Results) > 0 {
				log.Info("scheduled sweep", zap.Int("auctions", len(report.Results)))
			}
		})
		if err != nil {
			log.Fatal("invalid sweep schedule", zap.String("schedule", cfg.Sweep.Schedule), zap.Error(err))
		}
		sweeper.Start()
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
}

// openStore selects the persistence backend. An empty DSN means the
// in-memory store; anything else opens postgres and runs migrations.
func openStore(cfg config.DBConfig, log *zap.Logger) (store.Store, func(), error) {
	if cfg.DSN == "" {
		log.Warn("no database configured, using in-memory store")
		return memstore.New(), func() {}, nil
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, nil, err
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := gormstore.AutoMigrate(gdb); err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		if err := sqldb.Close(); err != nil {
			log.Warn("db close failed", zap.Error(err))
		}
	}
	return gormstore.New(gdb), closeFn, nil
}
