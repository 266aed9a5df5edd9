package appstorehook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

type Core interface {
	ProcessAppStoreNotification(ctx context.Context, signedPayload string)
}

type notificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

// Notify receives App Store Server Notifications V2. The endpoint always
// acknowledges with 200: a malformed or unverifiable payload is logged and
// dropped rather than bounced, so Apple does not retry-storm the endpoint.
func Notify(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			log.With(
				slog.Any("error", err),
			).Error("read request body")
			w.WriteHeader(http.StatusOK)
			return
		}

		var body notificationBody
		if err = json.Unmarshal(payload, &body); err != nil {
			log.With(
				slog.Any("error", err),
			).Error("unmarshal notification")
			w.WriteHeader(http.StatusOK)
			return
		}
		if body.SignedPayload == "" {
			log.Error("notification carries no signed payload")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ProcessAppStoreNotification(context.Background(), body.SignedPayload)

		w.WriteHeader(http.StatusOK)
	}
}
