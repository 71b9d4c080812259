package documents

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
)

type (
	DocumentResponse struct {
		Key     string `json:"key"`
		Content string `json:"content"`
	}

	DocumentCreateRequest struct {
		Key string `json:"key"`
	}

	DocumentCreateResponse struct {
		Key     string `json:"key"`
		Created bool   `json:"created"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// HandleGet returns the document for {key}, creating it empty when unseen.
func HandleGet(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(chi.URLParam(r, "key"))
		if err == nil {
			err = core.ValidateKey(key)
		}
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{Error: "invalid key"})
			return
		}

		doc, _, err := documentStore.GetOrCreate(r.Context(), key)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":        err,
				"document_key": key,
			}).Error("Failed to load document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, errorResponse{Error: "Failed to load document"})
			return
		}

		render.JSON(w, r, DocumentResponse{Key: doc.Key, Content: doc.Content})
	}
}

// HandleCreate ensures a document exists for the posted key.
func HandleCreate(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			logrus.WithField("error", err).Warn("Failed to decode request")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{Error: "invalid request body"})
			return
		}
		if req.Key == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{Error: "key required"})
			return
		}
		if err := core.ValidateKey(req.Key); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{Error: "invalid key"})
			return
		}

		_, created, err := documentStore.GetOrCreate(r.Context(), req.Key)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":        err,
				"document_key": req.Key,
			}).Error("Failed to create document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, errorResponse{Error: "Failed to create document"})
			return
		}

		render.JSON(w, r, DocumentCreateResponse{Key: req.Key, Created: created})
	}
}
