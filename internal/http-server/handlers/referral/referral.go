package referral

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"refsync/entity"
	"refsync/internal/http-server/handlers/errors"
	"refsync/lib/api/cont"
	"refsync/lib/api/response"
	"refsync/lib/sl"
)

type Core interface {
	ClaimReferralCode(ctx context.Context, userID string, p *entity.ClaimCodeParams) (*entity.ClaimResult, error)
	TrackPurchase(ctx context.Context, userID string, p *entity.PurchaseParams) (*entity.PurchaseResult, error)
}

func Claim(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.referral")

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

		var params entity.ClaimCodeParams
		if err := render.Bind(r, &params); err != nil {
			logger.Error("bind request", sl.Err(err))
			render.Status(r, 400)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request: %v", err)))
			return
		}

		user := cont.GetUser(r.Context())
		logger = logger.With(
			slog.String("user_id", user.ID),
			slog.String("referral_code", params.ReferralCode),
		)

		result, err := handler.ClaimReferralCode(r.Context(), user.ID, &params)
		if err != nil {
			logger.Error("claim referral code", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("referral code claimed", slog.Bool("already_claimed", result.AlreadyClaimed))

		render.JSON(w, r, response.Ok(result))
	}
}

func Purchase(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.referral")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("attribution service not available")
			render.Status(r, 500)
			render.JSON(w, r, response.Error("Attribution service not available"))
			return
		}

		var params entity.PurchaseParams
		if err := render.Bind(r, &params); err != nil {
			logger.Error("bind request", sl.Err(err))
			render.Status(r, 400)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request: %v", err)))
			return
		}

		user := cont.GetUser(r.Context())
		logger = logger.With(
			slog.String("user_id", user.ID),
			slog.String("product_id", params.ProductID),
			slog.String("original_transaction_id", params.OriginalTransactionID),
		)

		result, err := handler.TrackPurchase(r.Context(), user.ID, &params)
		if err != nil {
			logger.Error("track purchase", sl.Err(err))
			errors.Render(w, r, err)
			return
		}
		logger.Info("purchase tracked",
			slog.String("tier", string(result.SubscriptionType)),
			slog.Bool("already_tracked", result.AlreadyTracked),
		)

		render.JSON(w, r, response.Ok(result))
	}
}
