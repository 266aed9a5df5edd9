package affiliate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"refsync/entity"
	"refsync/internal/http-server/handlers/errors"
	"refsync/lib/api/cont"
	"refsync/lib/api/response"
	"refsync/lib/sl"
)

type Core interface {
	ClaimAffiliateLink(ctx context.Context, userID string, p *entity.ClaimLinkParams) (*entity.ClaimResult, error)
	RestoreAffiliatePremium(ctx context.Context, userID string) (*entity.ClaimResult, error)
	AffiliateOnboardingLink(ctx context.Context, token string) (string, error)
	AffiliateDashboardLink(ctx context.Context, token string) (string, error)
}

func Claim(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.affiliate")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("claim service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Claim service not available"))
			return
		}

		var params entity.ClaimLinkParams
		if err := render.Bind(r, &params); err != nil {
			logger.Error("bind request", sl.Err(err))
			render.Status(r, 400)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request: %v", err)))
			return
		}

		user := cont.GetUser(r.Context())
		logger = logger.With(
			slog.String("user_id", user.ID),
			sl.Secret("link_token", params.LinkToken),
		)

		result, err := handler.ClaimAffiliateLink(r.Context(), user.ID, &params)
		if err != nil {
			logger.Error("claim affiliate link", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("affiliate link claimed",
			slog.Bool("already_claimed", result.AlreadyClaimed),
			slog.Bool("premium_granted", result.PremiumGranted),
		)

		render.JSON(w, r, response.Ok(result))
	}
}

func Restore(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.affiliate")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("claim service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Claim service not available"))
			return
		}

		user := cont.GetUser(r.Context())
		logger = logger.With(slog.String("user_id", user.ID))

		result, err := handler.RestoreAffiliatePremium(r.Context(), user.ID)
		if err != nil {
			logger.Error("restore affiliate premium", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("affiliate premium restored")

		render.JSON(w, r, response.Ok(result))
	}
}

func Onboarding(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.affiliate")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("payout service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Payout service not available"))
			return
		}

		token := chi.URLParam(r, "token")
		logger = logger.With(sl.Secret("link_token", token))

		url, err := handler.AffiliateOnboardingLink(r.Context(), token)
		if err != nil {
			logger.Error("create onboarding link", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("onboarding link created")

		render.JSON(w, r, response.Ok(map[string]string{"url": url}))
	}
}

func Dashboard(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.affiliate")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("payout service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Payout service not available"))
			return
		}

		token := chi.URLParam(r, "token")
		logger = logger.With(sl.Secret("link_token", token))

		url, err := handler.AffiliateDashboardLink(r.Context(), token)
		if err != nil {
			logger.Error("create dashboard link", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("dashboard link created")

		render.JSON(w, r, response.Ok(map[string]string{"url": url}))
	}
}
