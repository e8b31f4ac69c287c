package statusapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
)

// bundleSummary is the JSON-facing projection of a queue.Bundle; it
// never leaks pointers or mutexes across the API boundary.
type bundleSummary struct {
	Token           uint32 `json:"token"`
	Target          string `json:"target"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	AutoPriority    bool   `json:"auto_priority"`
	Size            int64  `json:"size"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	Speed           int64  `json:"speed_bps"`
	RunningUsers    int    `json:"running_users"`
	FileCount       int    `json:"file_count"`
	IsFile          bool   `json:"is_file"`
}

func toBundleSummary(b *queue.Bundle) bundleSummary {
	return bundleSummary{
		Token:           b.Token,
		Target:          b.Target,
		Name:            b.Name,
		Status:          b.Status.String(),
		Priority:        b.Priority.String(),
		AutoPriority:    b.AutoPriority,
		Size:            b.Size,
		DownloadedBytes: b.DownloadedBytes,
		Speed:           b.Speed,
		RunningUsers:    b.RunningUserCount(),
		FileCount:       b.FileCount(),
		IsFile:          b.IsFile,
	}
}

type snapshotHandler struct {
	core *corectx.Context
}

// listBundles handles GET /queue/bundles: a consistent snapshot of
// every bundle taken under a single read-lock section, per §5's
// "all callers observe consistent snapshots across read-lock
// sections" guarantee.
func (h *snapshotHandler) listBundles(w http.ResponseWriter, r *http.Request) {
	h.core.RLock()
	bundles := h.core.Bundles.AllBundles()
	summaries := make([]bundleSummary, 0, len(bundles))
	for _, b := range bundles {
		summaries = append(summaries, toBundleSummary(b))
	}
	h.core.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{"bundles": summaries})
}

// getBundle handles GET /queue/bundles/{token}.
func (h *snapshotHandler) getBundle(w http.ResponseWriter, r *http.Request) {
	token64, err := strconv.ParseUint(chi.URLParam(r, "token"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid token"})
		return
	}

	h.core.RLock()
	b := h.core.Bundles.FindBundleByToken(uint32(token64))
	var summary *bundleSummary
	if b != nil {
		s := toBundleSummary(b)
		summary = &s
	}
	h.core.RUnlock()

	if summary == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bundle not found"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
