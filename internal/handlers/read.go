package handlers

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/metrics"
	"go.uber.org/zap"
)

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.files.List(r.Context(), owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.Get(r.Context(), mux.Vars(r)["id"], owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// resolvePublic handles GET /public/files/{token} for anonymous callers.
func (h *Handler) resolvePublic(w http.ResponseWriter, r *http.Request) {
	if !h.allowPublic(r) {
		h.metrics.Resolution(metrics.ResultRateLimited)
		h.writeError(w, r, common.ErrRateLimited)
		return
	}

	view, err := h.sharing.ResolveShared(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// allowPublic takes one token from the caller's bucket. If the limiter is
// unavailable the request is let through.
func (h *Handler) allowPublic(r *http.Request) bool {
	if h.limiter == nil || h.publicRate <= 0 {
		return true
	}
	ok, err := h.limiter.Allow(r.Context(), "public:"+clientIP(r), h.publicRate, h.publicBurst)
	if err != nil {
		logging.WithContext(r.Context(), h.logger).Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return true
	}
	return ok
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
