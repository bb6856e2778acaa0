package transport

import (
	"net/http"

	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/internal/profile"
	"github.com/pitabwire/civicportal/model"
)

func handleRegister(profiles *profile.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reg model.Registration
		if err := decodeJSON(r, contract, "register", &reg); err != nil {
			writeRequestError(w, r, err)
			return
		}

		tok, err := profiles.Register(r.Context(), reg)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusCreated, tok)
	}
}

func handleLogin(profiles *profile.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds model.Credentials
		if err := decodeJSON(r, contract, "login", &creds); err != nil {
			writeRequestError(w, r, err)
			return
		}

		tok, err := profiles.Login(r.Context(), creds)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, tok)
	}
}

func handleChangePassword(profiles *profile.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var pc model.PasswordChange
		if err := decodeJSON(r, contract, "changePassword", &pc); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if err := profiles.ChangePassword(r.Context(), rctx, pc); err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteMessage(w, "Password updated")
	}
}
