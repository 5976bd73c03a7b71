package handlers

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/maneesh/sharebox/internal/auth"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/upload"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// multipart framing allowed on top of the file itself
	multipartOverhead = 64 << 10
	multipartMemory   = 8 << 20
)

// ShareResponse is the shared file plus its public link.
type ShareResponse struct {
	*models.FileRecord
	ShareURL string `json:"share_url"`
}

func owner(r *http.Request) string {
	id, _ := auth.OwnerFromContext(r.Context())
	return id
}

// upload handles POST /files/upload with the file in multipart field "file".
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	limit := h.uploads.MaxSize() + multipartOverhead
	if r.ContentLength > limit {
		h.writeError(w, r, common.ErrFileTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, r, common.ErrFileTooLarge)
			return
		}
		h.writeError(w, r, fmt.Errorf("%w: expected multipart form", common.ErrInvalidInput))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: missing file field", common.ErrInvalidInput))
		return
	}
	defer file.Close()

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("file_name", header.Filename),
		attribute.Int64("file_size", header.Size),
	)

	rec, err := h.uploads.Upload(r.Context(), upload.Request{
		OwnerID:  owner(r),
		Filename: header.Filename,
		MimeType: contentType(header.Header.Get("Content-Type"), header.Filename),
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func contentType(declared, filename string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(filepath.Ext(filename)); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	return "application/octet-stream"
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.files.Delete(r.Context(), mux.Vars(r)["id"], owner(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) share(w http.ResponseWriter, r *http.Request) {
	rec, link, err := h.sharing.Share(r.Context(), mux.Vars(r)["id"], owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ShareResponse{FileRecord: rec, ShareURL: link})
}

func (h *Handler) unshare(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sharing.Unshare(r.Context(), mux.Vars(r)["id"], owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
