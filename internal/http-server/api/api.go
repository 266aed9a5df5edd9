package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"refsync/internal/config"
	"refsync/internal/http-server/handlers/affiliate"
	"refsync/internal/http-server/handlers/appstorehook"
	"refsync/internal/http-server/handlers/errors"
	"refsync/internal/http-server/handlers/pending"
	"refsync/internal/http-server/handlers/referral"
	"refsync/internal/http-server/middleware/authenticate"
	"refsync/internal/http-server/middleware/ratelimit"
	"refsync/internal/http-server/middleware/timeout"
	"refsync/lib/sl"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	authenticate.Authenticate
	referral.Core
	affiliate.Core
	pending.Core
	appstorehook.Core
}

func New(conf *config.Config, log *slog.Logger, handler Handler) error {

	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	router := chi.NewRouter()
	router.Use(timeout.Timeout(15))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	router.Route("/v1", func(rootApi chi.Router) {
		rootApi.Use(authenticate.New(log, handler))
		rootApi.Route("/referral", func(ref chi.Router) {
			ref.Post("/claim", referral.Claim(log, handler))
			ref.Post("/purchase", referral.Purchase(log, handler))
		})
		rootApi.Route("/affiliate", func(aff chi.Router) {
			aff.Post("/claim", affiliate.Claim(log, handler))
			aff.Post("/restore", affiliate.Restore(log, handler))
			aff.Get("/onboarding/{token}", affiliate.Onboarding(log, handler))
			aff.Get("/dashboard/{token}", affiliate.Dashboard(log, handler))
		})
		rootApi.Post("/pending/claim", pending.Fetch(log, handler))
	})
	router.Route("/pending", func(pub chi.Router) {
		pub.Use(ratelimit.New(log, 1, 5))
		pub.Post("/store", pending.Store(log, handler))
	})
	router.Route("/webhook", func(rootWH chi.Router) {
		rootWH.Post("/appstore", appstorehook.Notify(log, handler))
	})

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:      router,
		ErrorLog:     httpLog,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverAddress := fmt.Sprintf("%s:%s", conf.Listen.BindIp, conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	server.log.Info("starting api server", slog.String("address", serverAddress))

	return server.httpServer.Serve(listener)
}
