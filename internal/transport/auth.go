package transport

import (
	"net/http"
	"strings"

	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/model"
)

// TokenVerifier turns a bearer token into the caller it identifies.
// *identity.TokenService implements it.
type TokenVerifier interface {
	Verify(token string) (*model.RequestContext, error)
}

// BearerAuth returns middleware that verifies the Authorization bearer
// token and stores the resulting RequestContext, enriched with the
// correlation and trace ids of the request, in the context.
func BearerAuth(verifier TokenVerifier, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				metrics.RecordAuthAttempt("token", "failure")
				writeRequestError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			scheme, token, ok := strings.Cut(auth, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				metrics.RecordAuthAttempt("token", "failure")
				writeRequestError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			rctx, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				metrics.RecordAuthAttempt("token", "failure")
				writeRequestError(w, r, err)
				return
			}

			rctx.CorrelationID = CorrelationIDFrom(r.Context())
			rctx.TraceID = observability.TraceIDFromContext(r.Context())
			rctx.SpanID = observability.SpanIDFromContext(r.Context())
			rctx.Locale = r.Header.Get("Accept-Language")

			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
