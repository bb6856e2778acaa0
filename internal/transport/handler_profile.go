package transport

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/civicportal/internal/listview"
	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/internal/profile"
	"github.com/pitabwire/civicportal/model"
)

func handleGetProfile(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		p, err := profiles.Profile(r.Context(), rctx)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, p)
	}
}

func handleUpdateProfile(profiles *profile.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var upd model.ProfileUpdate
		if err := decodeJSON(r, contract, "updateProfile", &upd); err != nil {
			writeRequestError(w, r, err)
			return
		}

		p, err := profiles.UpdateProfile(r.Context(), rctx, upd)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, p)
	}
}

func handleGetPicture(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		pic, err := profiles.Picture(r.Context(), rctx)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", pic.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(pic.Data)))
		w.Header().Set("Last-Modified", pic.UpdatedAt.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write(pic.Data)
	}
}

func handleUploadPicture(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		part, err := formFile(r, profile.KindPicture)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		defer part.Close()

		p, err := profiles.UploadPicture(r.Context(), rctx, part)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, p)
	}
}

func handleListDocuments(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		docs, err := profiles.Documents(r.Context(), rctx)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, docs)
	}
}

func handleUploadDocument(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		part, err := formFile(r, profile.KindDocument)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		defer part.Close()

		doc, err := profiles.UploadDocument(r.Context(), rctx, part.FileName(), part)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusCreated, doc)
	}
}

func handleListNotifications(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		list, err := profiles.Notifications(r.Context(), rctx)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, listPage(r, listview.NotificationSchema(), list))
	}
}

func handleUpdateNotification(profiles *profile.Service, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Read bool `json:"read"`
		}
		if err := decodeJSON(r, contract, "updateNotification", &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		n, err := profiles.MarkNotification(r.Context(), rctx, chi.URLParam(r, "id"), body.Read)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteOK(w, http.StatusOK, n)
	}
}

func handleDeleteNotification(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		if err := profiles.DeleteNotification(r.Context(), rctx, chi.URLParam(r, "id")); err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteMessage(w, "Notification deleted")
	}
}

// formFile streams the multipart form until it finds the named file part.
// Nothing is buffered to disk; the caller reads the part directly.
func formFile(r *http.Request, field string) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, model.NewBadRequestError("expected a multipart/form-data body")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, model.NewValidationError([]model.FieldError{{
				Field:   field,
				Code:    "required",
				Message: "A " + field + " file is required",
			}})
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, model.NewPayloadTooLargeError(tooLarge.Limit)
			}
			return nil, model.NewBadRequestError("malformed multipart body")
		}
		if part.FormName() == field {
			return part, nil
		}
		part.Close()
	}
}
