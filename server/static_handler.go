package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"

	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
	"github.com/eschnou/sunorooms/storage"
)

// ObjectReader opens stored objects.
type ObjectReader interface {
	Open(ctx context.Context, path string) (io.ReadSeekCloser, storage.ObjectInfo, error)
}

// AudioHandler serves uploaded audio from the bucket for deployments where
// the bucket itself is not reachable by clients. Range requests are honoured.
type AudioHandler struct {
	objects ObjectReader
}

// NewAudioHandler creates an AudioHandler.
func NewAudioHandler(objects ObjectReader) *AudioHandler {
	return &AudioHandler{objects: objects}
}

// ServeHTTP implements http.Handler.
func (h *AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	objectPath := strings.TrimPrefix(path.Clean("/"+mux.Vars(r)["path"]), "/")
	if objectPath == "" || !strings.HasSuffix(strings.ToLower(objectPath), model.AudioExtension) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	obj, info, err := h.objects.Open(r.Context(), objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		logger.Error("Failed to open object",
			logger.String("path", objectPath),
			logger.ErrorField(err))
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}
	defer obj.Close()

	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = model.AudioContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+strings.Trim(info.ETag, `"`)+`"`)
	}

	http.ServeContent(w, r, path.Base(objectPath), info.LastModified, obj)
}
