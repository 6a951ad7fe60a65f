package middleware

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
)

// OpenAPIValidator rejects requests whose parameters or body do not match
// the API document. Business rules stay in the service validators; the
// document only pins down shapes and types.
type OpenAPIValidator struct {
	router routers.Router
	logger *slog.Logger
}

func NewOpenAPIValidator(spec []byte, lg *slog.Logger) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &OpenAPIValidator{router: router, logger: lg}, nil
}

// Middleware validates requests for documented routes and passes anything
// else through to the router, which owns 404 and 405 answers.
func (v *OpenAPIValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			transport.WriteError(w, schemaError(err), v.logger)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func schemaError(err error) *errors.AppError {
	reason := err.Error()
	var reqErr *openapi3filter.RequestError
	if stderrors.As(err, &reqErr) && reqErr.Parameter != nil {
		return errors.NewValidationFieldError(reqErr.Parameter.Name, reason, errors.ErrCodeRequestSchemaInvalid)
	}
	return errors.NewValidationError("Request does not match the API schema", errors.ErrCodeRequestSchemaInvalid).
		WithDetails(map[string]string{"reason": reason})
}
