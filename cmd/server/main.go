package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"refsync/bot"
	"refsync/impl/attribution"
	"refsync/impl/auth"
	"refsync/impl/claim"
	"refsync/impl/core"
	"refsync/impl/reconcile"
	"refsync/impl/sweeper"
	"refsync/internal/appstore"
	"refsync/internal/config"
	"refsync/internal/database"
	"refsync/internal/http-server/api"
	"refsync/internal/identity"
	"refsync/internal/scheduler"
	"refsync/internal/stripeclient"
	"refsync/lib/logger"
	"refsync/lib/sl"
)

const logFileName = "refsync.log"

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	lg := logger.SetupLogger(conf.Env, filepath.Join(*logPath, logFileName))
	lg.Info("starting refsync", slog.String("config", *configPath), slog.String("env", conf.Env))

	if conf.Telegram.Enabled {
		tgBot, err := bot.NewTgBot(conf.Telegram.ApiKey, conf.Telegram.ChatID, lg)
		if err != nil {
			lg.Error("telegram bot init", sl.Err(err))
		} else {
			lg = slog.New(logger.NewTelegramHandler(lg.Handler(), tgBot, slog.LevelError))
			lg.Info("telegram alerts enabled")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	mongo, err := database.NewMongoClient(ctx, conf)
	cancel()
	if err != nil {
		lg.Error("mongo connection failed", sl.Err(err))
		os.Exit(1)
	}
	defer mongo.Close(context.Background())

	verifier, err := appstore.NewVerifier(conf, lg)
	if err != nil {
		lg.Error("app store verifier init", sl.Err(err))
		os.Exit(1)
	}

	var appStore *appstore.Client
	if conf.AppStore.KeyPath != "" {
		appStore, err = appstore.NewClient(conf, verifier, lg)
		if err != nil {
			lg.Error("app store client init", sl.Err(err))
			os.Exit(1)
		}
	} else {
		lg.Warn("app store api key not configured; status lookups disabled")
	}

	identityClient := identity.New(conf, lg)

	claimEngine := claim.New(mongo, lg)
	attributor := attribution.New(mongo, identityClient, lg)
	reconciler := reconcile.New(mongo, lg)

	stripe := stripeclient.New(conf, lg)
	stripe.SetDatabase(mongo)

	handler := core.New(mongo, lg)
	handler.SetAuthService(auth.New(mongo))
	handler.SetClaimService(claimEngine)
	handler.SetAttributionService(attributor)
	handler.SetReconcileService(reconciler)
	handler.SetNotificationDecoder(verifier)
	handler.SetAffiliatePayouts(stripe)
	if appStore != nil {
		handler.SetStatusProvider(appStore)
	}

	if conf.Sweep.Enabled && appStore != nil {
		sweep := sweeper.New(mongo, appStore, reconciler, lg)
		job := scheduler.NewSweepJob(sweep, conf.Sweep.Schedule, lg)
		if err = job.Start(); err != nil {
			lg.Error("sweep scheduler init", sl.Err(err))
			os.Exit(1)
		}
		defer job.Stop()
	}

	if err = api.New(conf, lg, handler); err != nil {
		lg.Error("api server stopped", sl.Err(err))
		os.Exit(1)
	}
}
