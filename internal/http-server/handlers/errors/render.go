package errors

import (
	"net/http"

	"github.com/go-chi/render"

	"refsync/entity"
	"refsync/lib/api/response"
)

// Render writes err as a JSON error response with the HTTP status that
// matches its kind.
func Render(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, StatusCode(err))
	render.JSON(w, r, response.Error(err.Error()))
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(err error) int {
	switch entity.KindOf(err) {
	case entity.KindInvalidArgument, entity.KindFailedPrecondition:
		return http.StatusBadRequest
	case entity.KindNotFound:
		return http.StatusNotFound
	case entity.KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
