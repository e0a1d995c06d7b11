package ui

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"

	"github.com/leapstack-labs/leapgrid/internal/engine"
	"github.com/leapstack-labs/leapgrid/internal/export"
	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
	"github.com/leapstack-labs/leapgrid/internal/tabdata"
)

const (
	sessionName  = "leapgrid_session"
	activeTabKey = "active_tab"
)

// handlers carries the dependencies of the API surface.
type handlers struct {
	registry     *Registry
	engine       *engine.Engine
	sessionStore sessions.Store
	logger       *slog.Logger
}

// routes mounts the JSON/SSE API on the mux.
func (h *handlers) routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sources", h.listSources)

		r.Route("/tabs", func(r chi.Router) {
			r.Get("/", h.listTabs)
			r.Post("/", h.createTab)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", h.closeTab)
				r.Get("/slice", h.getSlice)
				r.Get("/status", h.getStatus)
				r.Post("/source", h.setSource)
				r.Post("/sort", h.toggleSort)
				r.Post("/cancel", h.cancelRead)
				r.Post("/cancel/ack", h.ackCancel)
				r.Post("/reset", h.resetTab)
				r.Post("/activate", h.activateTab)
				r.Get("/aggregate", h.getAggregate)
				r.Get("/export", h.getExport)
				r.Get("/events", h.events)
			})
		})
	})
}

// tabView is the JSON shape of a tab in list/create responses.
type tabView struct {
	ID         string            `json:"id"`
	Descriptor source.Descriptor `json:"descriptor"`
	CreatedAt  time.Time         `json:"createdAt"`
	Status     tabdata.Status    `json:"status"`
}

func viewOf(t *Tab) tabView {
	return tabView{
		ID:         t.ID,
		Descriptor: t.Descriptor(),
		CreatedAt:  t.CreatedAt,
		Status:     t.Adapter.Status(),
	}
}

func (h *handlers) listSources(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondJSON(w, http.StatusOK, []engine.TableInfo{})
		return
	}
	tables, err := h.engine.ListTables(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, tables)
}

func (h *handlers) listTabs(w http.ResponseWriter, r *http.Request) {
	tabs := h.registry.List()
	views := make([]tabView, len(tabs))
	for i, t := range tabs {
		views[i] = viewOf(t)
	}
	respondJSON(w, http.StatusOK, views)
}

type createTabRequest struct {
	ID         string            `json:"id,omitempty"`
	Descriptor source.Descriptor `json:"descriptor"`
}

func (h *handlers) createTab(w http.ResponseWriter, r *http.Request) {
	var req createTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	tab, err := h.registry.Open(r.Context(), req.ID, req.Descriptor)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(tab))
}

func (h *handlers) closeTab(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Close(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) tab(w http.ResponseWriter, r *http.Request) (*Tab, bool) {
	id := chi.URLParam(r, "id")
	tab, ok := h.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("unknown tab: %s", id))
	}
	return tab, ok
}

// getSlice serves the windowed row view. The distinction between null
// (no schema yet) and an empty array (schema known, nothing matches) is
// part of the contract, so the nil slice marshals as-is.
func (h *handlers) getSlice(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	from, err := queryInt(r, "from", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	to, err := queryInt(r, "to", from+100)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	respondJSON(w, http.StatusOK, tab.Adapter.SliceRows(from, to))
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, tab.Adapter.Status())
}

func (h *handlers) setSource(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	var desc source.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid descriptor: %w", err))
		return
	}
	if err := h.registry.SetDescriptor(r.Context(), tab.ID, desc); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	respondJSON(w, http.StatusOK, tab.Adapter.Status())
}

type sortRequest struct {
	Column   string `json:"column"`
	Additive bool   `json:"additive"`
}

func (h *handlers) toggleSort(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	var req sortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Column == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("column is required"))
		return
	}

	if err := tab.Adapter.ToggleColumnSort(r.Context(), req.Column, req.Additive); err != nil {
		if errors.Is(err, source.ErrUnsupported) {
			respondError(w, http.StatusUnprocessableEntity, err)
			return
		}
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, tab.Adapter.Status())
}

func (h *handlers) cancelRead(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}
	tab.Adapter.CancelDataRead()
	respondJSON(w, http.StatusOK, tab.Adapter.Status())
}

func (h *handlers) ackCancel(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}
	tab.Adapter.AckDataReadCancelled()
	respondJSON(w, http.StatusOK, tab.Adapter.Status())
}

func (h *handlers) resetTab(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}
	if err := tab.Adapter.Reset(r.Context()); err != nil {
		// The failure is already surfaced in the status; report it there.
		h.logger.Warn("tab reset failed", "tab", tab.ID, "error", err)
	}
	respondJSON(w, http.StatusOK, tab.Adapter.Status())
}

// activateTab records the session's active tab and shifts the background
// scopes: the previously active tab is deactivated, pausing its count
// probe, and the new one reactivated.
func (h *handlers) activateTab(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	session, err := h.sessionStore.Get(r, sessionName)
	if err != nil {
		// A stale or tampered cookie decodes into a fresh session.
		h.logger.Debug("session decode failed, starting fresh", "error", err)
	}

	if prev, ok := session.Values[activeTabKey].(string); ok && prev != tab.ID {
		if prevTab, ok := h.registry.Get(prev); ok {
			prevTab.Adapter.SetActive(false)
		}
	}
	tab.Adapter.SetActive(true)

	session.Values[activeTabKey] = tab.ID
	if err := session.Save(r, w); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("failed to save session: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, viewOf(tab))
}

func (h *handlers) getAggregate(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	column := r.URL.Query().Get("column")
	agg, err := source.ParseAgg(r.URL.Query().Get("type"))
	if column == "" || err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("column and valid type are required"))
		return
	}

	value, err := tab.Adapter.ColumnAggregate(r.Context(), column, agg)
	if err != nil {
		if errors.Is(err, source.ErrUnsupported) {
			respondError(w, http.StatusUnprocessableEntity, err)
			return
		}
		var cancelled *stream.CancelledError
		if errors.As(err, &cancelled) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"column": column,
		"type":   agg,
		"value":  value,
	})
}

// getExport runs a full extract and streams it out as CSV or XLSX.
// Column selection comes from a comma-separated "columns" parameter and
// is pushed down to the source when it is a strict subset.
func (h *handlers) getExport(w http.ResponseWriter, r *http.Request) {
	tab, ok := h.tab(w, r)
	if !ok {
		return
	}

	format, err := export.ParseFormat(defaultStr(r.URL.Query().Get("format"), string(export.FormatCSV)))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var columns []string
	if raw := r.URL.Query().Get("columns"); raw != "" {
		columns = strings.Split(raw, ",")
	}

	rows, err := tab.Adapter.AllRows(r.Context(), columns)
	if err != nil {
		var cancelled *stream.CancelledError
		if errors.As(err, &cancelled) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	schema := tab.Adapter.Status().Schema
	if len(columns) > 0 {
		schema = subsetSchema(schema, columns)
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", tab.ID+"."+string(format)))
	if err := export.Write(w, format, schema, rows); err != nil {
		h.logger.Error("export write failed", "tab", tab.ID, "error", err)
	}
}

func subsetSchema(schema []stream.Column, columns []string) []stream.Column {
	out := make([]stream.Column, 0, len(columns))
	for _, want := range columns {
		for _, c := range schema {
			if c.Name == want {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, err error) {
	respondJSON(w, code, map[string]string{"error": err.Error()})
}
