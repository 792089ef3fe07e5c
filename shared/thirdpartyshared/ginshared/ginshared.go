package ginshared

import (
	"errors"
	"net/http"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"

	"github.com/gin-gonic/gin"
)

type Render interface {
}

type statusOnlyRender struct {
	Status int
}

func RenderStatus(status int) Render {
	return statusOnlyRender{Status: status}
}

type errorRender struct {
	Err error
}

// RenderError defers the response to ErrorResponder, which picks the status from err.
func RenderError(err error) Render {
	return errorRender{Err: err}
}

type jsonRender struct {
	HttpStatus int
	Object     interface{}
}

func RenderJson(status int, object interface{}) Render {
	return jsonRender{
		HttpStatus: status,
		Object:     object,
	}
}

type DefaultHandler func(ctx *gin.Context) Render

func Wrap(f DefaultHandler) func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		render := f(ctx)
		switch r := render.(type) {
		case nil:
			// handler already wrote the response, e.g. after a protocol upgrade
		case errorRender:
			_ = ctx.Error(r.Err)
		case statusOnlyRender:
			ctx.Status(r.Status)
		case jsonRender:
			ctx.JSON(r.HttpStatus, r.Object)
		default:
			ctx.Status(http.StatusInternalServerError)
		}
	}
}

// ErrorStatus classifies err. ok is false when the classifier does not know err.
type ErrorStatus func(err error) (status int, ok bool)

// BadRequest marks err as caused by the request itself.
func BadRequest(err error) error {
	return badRequestError{err}
}

type badRequestError struct {
	error
}

func (e badRequestError) Unwrap() error {
	return e.error
}

// StatusOf maps err to an http status. The classifiers are consulted first.
func StatusOf(err error, classifiers ...ErrorStatus) int {
	var bad badRequestError
	if errors.As(err, &bad) {
		return http.StatusBadRequest
	}
	for _, c := range classifiers {
		if status, ok := c(err); ok {
			return status
		}
	}
	switch {
	case errors.Is(err, ensemble.ErrNoNode):
		return http.StatusNotFound
	case errors.Is(err, ensemble.ErrNodeExists), errors.Is(err, ensemble.ErrNotEmpty):
		return http.StatusConflict
	case errors.Is(err, ensemble.ErrBadVersion):
		return http.StatusPreconditionFailed
	case errors.Is(err, ensemble.ErrInvalidPath), errors.Is(err, ensemble.ErrNoChildrenForEphemerals):
		return http.StatusBadRequest
	case ensemble.IsTransport(err), errors.Is(err, ensemble.ErrReadOnly):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponder renders the first error recorded on the context as an api.ErrorResponse.
func ErrorResponder(classifiers ...ErrorStatus) gin.HandlerFunc {
	return func(context *gin.Context) {
		context.Next()
		var err error
		// handling first error to respond
		for _, v := range context.Errors {
			err = v.Err
			break
		}
		if err != nil && !context.Writer.Written() {
			status := StatusOf(err, classifiers...)
			context.JSON(status, api.ErrorResponse{Status: status, Error: err.Error()})
		}
	}
}
