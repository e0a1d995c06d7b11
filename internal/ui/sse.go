package ui

import (
	"net/http"

	"github.com/starfederation/datastar-go/datastar"
)

// events streams adapter status changes to the grid frontend. Every
// change ping from the adapter patches the full status signal set; the
// client diffs dataVersion/dataSourceVersion and refetches slices as
// needed.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	sse := datastar.NewSSE(w, r)

	sub := tab.Adapter.Subscribe()
	defer sub.Cancel()

	push := func() bool {
		if err := sse.MarshalAndPatchSignals(tab.Adapter.Status()); err != nil {
			h.logger.Debug("sse push failed", "tab", tab.ID, "error", err)
			return false
		}
		return true
	}

	if !push() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.C:
			if !push() {
				return
			}
		}
	}
}
