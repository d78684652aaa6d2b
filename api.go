package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"poimap/pkg/logger"
)

// Local HTTP API consumed by the QML shell. Go owns all state; the shell
// renders snapshots and posts user intent back.

type apiServer struct {
	session *SessionStore
	pois    *PoiStore
	editor  *Editor
	mapView *MapView
	search  *PlaceSearch
	history *SearchHistory
	locator *Locator
}

// RegisterAPI wires every endpoint onto mux.
func RegisterAPI(mux *http.ServeMux, s *apiServer) {
	mux.HandleFunc("GET /api/session", s.handleGetSession)
	mux.HandleFunc("POST /api/session/login", s.handleLogin)
	mux.HandleFunc("POST /api/session/register", s.handleRegister)
	mux.HandleFunc("POST /api/session/logout", s.handleLogout)

	mux.HandleFunc("GET /api/markers", s.handleGetMarkers)
	mux.HandleFunc("POST /api/map/click", s.handleMapClick)
	mux.HandleFunc("POST /api/map/locate", s.handleMapLocate)
	mux.HandleFunc("POST /api/markers/click", s.handleMarkerClick)

	mux.HandleFunc("GET /api/editor", s.handleGetEditor)
	mux.HandleFunc("PATCH /api/editor", s.handlePatchEditor)
	mux.HandleFunc("POST /api/editor/submit", s.handleEditorSubmit)
	mux.HandleFunc("POST /api/editor/delete/request", s.handleDeleteRequest)
	mux.HandleFunc("POST /api/editor/delete/confirm", s.handleDeleteConfirm)
	mux.HandleFunc("POST /api/editor/delete/cancel", s.handleDeleteCancel)
	mux.HandleFunc("POST /api/editor/close", s.handleEditorClose)

	mux.HandleFunc("GET /api/search", s.handleGetSearch)
	mux.HandleFunc("POST /api/search/input", s.handleSearchInput)
	mux.HandleFunc("POST /api/search/select", s.handleSearchSelect)
	mux.HandleFunc("POST /api/search/lodging", s.handleSearchLodging)
	mux.HandleFunc("GET /api/search/recent", s.handleGetRecent)

	mux.HandleFunc("GET /api/location", s.handleGetLocation)
	mux.HandleFunc("GET /api/version", handleGetVersion)

	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, _ *http.Request) {
		corsHeaders(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpError maps store errors to payloads the shell can render inline.
func writeOpError(w http.ResponseWriter, err error) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  authErr.Message,
			"fields": authErr.Fields,
		})
		return
	}
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  backendErr.Message,
			"fields": backendErr.Fields,
		})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrNoCoordinates), errors.Is(err, ErrNoSelection):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrBusy):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// ---------------- Session ----------------

func (s *apiServer) sessionPayload() map[string]any {
	payload := map[string]any{
		"loading":       s.session.Loading(),
		"authenticated": s.session.Authenticated(),
	}
	if u := s.session.User(); u != nil {
		payload["user"] = u
	}
	return payload
}

func (s *apiServer) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionPayload())
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.session.Login(r.Context(), req.Username, req.Password); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionPayload())
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		Password2 string `json:"password2"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.session.Register(r.Context(), req.Username, req.Email, req.Password, req.Password2); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionPayload())
}

func (s *apiServer) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.session.Logout()
	writeJSON(w, http.StatusOK, s.sessionPayload())
}

// ---------------- Map ----------------

func (s *apiServer) handleGetMarkers(w http.ResponseWriter, _ *http.Request) {
	vp := s.mapView.Viewport()
	writeJSON(w, http.StatusOK, map[string]any{
		"markers":  s.mapView.Markers(),
		"loading":  s.pois.Loading(),
		"viewport": vp,
	})
}

func (s *apiServer) handleMapClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lng float64 `json:"lng"`
		Lat float64 `json:"lat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.mapView.HandleBackgroundClick(req.Lng, req.Lat)
	writeJSON(w, http.StatusOK, s.editor.View())
}

// handleMapLocate recenters on the GeoClue fix, when one exists.
func (s *apiServer) handleMapLocate(w http.ResponseWriter, _ *http.Request) {
	fix, ok := s.locator.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mapView.CenterOnLocation(fix)
	writeJSON(w, http.StatusOK, s.mapView.Viewport())
}

func (s *apiServer) handleMarkerClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	if strings.HasPrefix(req.ID, "lodging-") {
		err = s.mapView.HandleLodgingCreate(req.ID)
	} else {
		err = s.mapView.HandleMarkerClick(req.ID)
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.editor.View())
}

// ---------------- Editor ----------------

func (s *apiServer) handleGetEditor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *apiServer) handlePatchEditor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != nil {
		s.editor.SetName(*req.Name)
	}
	if req.Description != nil {
		s.editor.SetDescription(*req.Description)
	}
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *apiServer) handleEditorSubmit(w http.ResponseWriter, r *http.Request) {
	if err := s.editor.Submit(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *apiServer) handleDeleteRequest(w http.ResponseWriter, _ *http.Request) {
	s.editor.RequestDelete()
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *apiServer) handleDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.editor.ConfirmDelete(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *apiServer) handleDeleteCancel(w http.ResponseWriter, _ *http.Request) {
	s.editor.CancelDelete()
	writeJSON(w, http.StatusOK, s.editor.View())
}

func (s *apiServer) handleEditorClose(w http.ResponseWriter, _ *http.Request) {
	s.editor.Close()
	writeJSON(w, http.StatusOK, s.editor.View())
}

// ---------------- Search ----------------

func (s *apiServer) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	logger.Debug("/api/search received q=%q", q)
	if q != "" {
		s.search.Search(q)
	}
	writeJSON(w, http.StatusOK, s.search.State())
}

func (s *apiServer) handleSearchInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.search.Input(req.Query)
	writeJSON(w, http.StatusOK, s.search.State())
}

func (s *apiServer) handleSearchSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.search.SelectCity(req.Index); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.search.State())
}

func (s *apiServer) handleSearchLodging(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.search.SetLodgingEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, s.search.State())
}

func (s *apiServer) handleGetRecent(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	entries := s.history.Recent(limit)
	if entries == nil {
		entries = []HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ---------------- Location / version ----------------

func (s *apiServer) handleGetLocation(w http.ResponseWriter, _ *http.Request) {
	fix, ok := s.locator.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

func handleGetVersion(w http.ResponseWriter, _ *http.Request) {
	version := "devel"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"go":      runtime.Version(),
	})
}
