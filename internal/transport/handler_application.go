package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/internal/listview"
	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/model"
)

// IdempotencyKeyHeader carries the client's submission key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// ReplayHeader is set on a submission answered from the idempotency cache.
const ReplayHeader = "X-Idempotent-Replay"

func handleSubmitApplication(apps *application.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req application.SubmitRequest
		if err := decodeJSON(r, contract, "submitApplication", &req); err != nil {
			writeRequestError(w, r, err)
			return
		}

		rec, replayed, err := apps.Submit(r.Context(), rctx, req, r.Header.Get(IdempotencyKeyHeader))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if replayed {
			w.Header().Set(ReplayHeader, "true")
			WriteOK(w, http.StatusOK, rec)
			return
		}
		WriteOK(w, http.StatusCreated, rec)
	}
}

func handleGetApplication(apps *application.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		rec, err := apps.Get(r.Context(), rctx, chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, rec)
	}
}

func handleApplicationHistory(apps *application.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		events, err := apps.History(r.Context(), rctx, chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, events)
	}
}

func handlePayApplication(apps *application.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req application.PaymentRequest
		if err := decodeJSON(r, contract, "payApplication", &req); err != nil {
			writeRequestError(w, r, err)
			return
		}

		rec, err := apps.RecordPayment(r.Context(), rctx, chi.URLParam(r, "id"), req)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, rec)
	}
}

func handleListMyApplications(apps *application.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		records, err := apps.ListForSubject(r.Context(), rctx)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, listPage(r, listview.RecordSchema(), records))
	}
}

func handleListAllApplications(apps *application.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		records, err := apps.ListAll(r.Context(), rctx, application.RecordFilter{})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, listPage(r, listview.RecordSchema(), records))
	}
}

func handleTransitionApplication(apps *application.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req application.TransitionRequest
		if err := decodeJSON(r, contract, "transitionApplication", &req); err != nil {
			writeRequestError(w, r, err)
			return
		}

		rec, err := apps.Transition(r.Context(), rctx, chi.URLParam(r, "id"), req)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, rec)
	}
}
