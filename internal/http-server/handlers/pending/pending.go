package pending

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"refsync/entity"
	"refsync/internal/http-server/handlers/errors"
	"refsync/lib/api/cont"
	"refsync/lib/api/response"
	"refsync/lib/sl"
)

type Core interface {
	StorePendingClaim(ctx context.Context, p *entity.PendingStoreParams, sourceIP string) error
	FetchPendingClaim(ctx context.Context, p *entity.PendingFetchParams) (*entity.PendingResult, error)
}

// Store accepts the landing-page drop. The route is unauthenticated, so the
// handler records the caller IP and relies on the rate limiter in front of it.
func Store(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.pending")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("pending claim service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Pending claim service not available"))
			return
		}

		var params entity.PendingStoreParams
		if err := render.Bind(r, &params); err != nil {
			logger.Error("bind request", sl.Err(err))
			render.Status(r, 400)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request: %v", err)))
			return
		}
		logger = logger.With(sl.Secret("device_key", params.DeviceKey))

		if err := handler.StorePendingClaim(r.Context(), &params, clientIP(r)); err != nil {
			logger.Error("store pending claim", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("pending claim stored")

		render.JSON(w, r, response.Ok(nil))
	}
}

func Fetch(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.pending")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("pending claim service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Pending claim service not available"))
			return
		}

		var params entity.PendingFetchParams
		if err := render.Bind(r, &params); err != nil {
			logger.Error("bind request", sl.Err(err))
			render.Status(r, 400)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request: %v", err)))
			return
		}

		user := cont.GetUser(r.Context())
		logger = logger.With(
			slog.String("user_id", user.ID),
			sl.Secret("device_key", params.DeviceKey),
		)

		result, err := handler.FetchPendingClaim(r.Context(), &params)
		if err != nil {
			logger.Error("fetch pending claim", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("pending claim fetched", slog.Bool("found", result.Found))

		render.JSON(w, r, response.Ok(result))
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
