package api

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/phrazzld/xengine/internal/api/shared"
	"github.com/phrazzld/xengine/internal/loader"
	"github.com/phrazzld/xengine/internal/platform/files"
	"github.com/phrazzld/xengine/internal/platform/imaging"
	"github.com/phrazzld/xengine/internal/platform/logger"
)

// ImageLoader decodes a stored image at a given size on its decode queue.
// slot identifies the caller and must be unique per request.
type ImageLoader interface {
	Fetch(ctx context.Context, slot, name string, size imaging.Size) (image.Image, error)
}

// PhotoHandler serves downscaled previews of downloaded photos.
type PhotoHandler struct {
	loader ImageLoader
	logger *slog.Logger
}

// NewPhotoHandler creates a PhotoHandler
func NewPhotoHandler(loader ImageLoader, logger *slog.Logger) *PhotoHandler {
	return &PhotoHandler{
		loader: loader,
		logger: logger.With("component", "photo_handler"),
	}
}

// GetPhoto handles GET /api/photos/{name}?size=small|screen|origin. The
// image is re-encoded as PNG; size defaults to screen.
func (h *PhotoHandler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	name, err := getPathID(r, "name")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	size := imaging.SizeScreen
	if raw := r.URL.Query().Get("size"); raw != "" {
		if size, err = imaging.ParseSize(raw); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid size: use small, screen or origin")
			return
		}
	}

	img, err := h.loader.Fetch(r.Context(), "request:"+uuid.NewString(), name, size)
	switch {
	case err == nil:
	case errors.Is(err, loader.ErrLoadCancelled):
		shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Photo loader is not accepting work")
		return
	case errors.Is(err, files.ErrInvalidName):
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid photo name")
		return
	case errors.Is(err, fs.ErrNotExist):
		shared.RespondWithError(w, r, http.StatusNotFound, "Photo not found")
		return
	case errors.Is(err, image.ErrFormat):
		shared.RespondWithErrorAndLog(w, r, http.StatusUnprocessableEntity, "Unsupported image format", err)
		return
	default:
		HandleAPIError(w, r, err, "Failed to load photo")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	if err := png.Encode(w, img); err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("failed to write photo",
			"name", name,
			"size", size.String(),
			"error", err)
	}
}
