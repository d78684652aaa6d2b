package main

import (
	"context"
	"errors"
	"strings"
	"sync"

	"poimap/pkg/logger"
)

// POI collection store: the authoritative in-memory POI list plus the
// ephemeral editor sub-state (selection, clicked coordinates, modal
// visibility, form inputs, in-flight flags).
//
// Mutations deliberately reload the whole collection from the server instead
// of patching the local list. POI edits are human-paced; the extra round
// trip buys guaranteed agreement with the server's authoritative state.

// Validation and guard errors. Caught before any network call.
var (
	ErrNameRequired     = errors.New("name is required")
	ErrNoCoordinates    = errors.New("no coordinates selected")
	ErrNoSelection      = errors.New("no POI selected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrBusy             = errors.New("operation already in flight")
)

// EditorState is a snapshot of the ephemeral editor fields. Reset to the
// zero value whenever the modal closes, by any path.
type EditorState struct {
	Selected         *Poi    `json:"selected,omitempty"`
	ClickedCoords    *LngLat `json:"clickedCoords,omitempty"`
	ModalVisible     bool    `json:"modalVisible"`
	DeleteConfirm    bool    `json:"deleteConfirm"`
	NameInput        string  `json:"nameInput"`
	DescriptionInput string  `json:"descriptionInput"`
	Creating         bool    `json:"creating"`
	Updating         bool    `json:"updating"`
	Deleting         bool    `json:"deleting"`
}

// EditMode reports whether the editor targets an existing POI.
func (e EditorState) EditMode() bool { return e.Selected != nil }

// Busy reports whether any mutation is in flight. While true, submit and
// delete are disabled; this is the sole concurrency guard for mutations.
func (e EditorState) Busy() bool { return e.Creating || e.Updating || e.Deleting }

// PoiStore owns the POI collection and the editor sub-state.
type PoiStore struct {
	backend *BackendClient
	session *SessionStore

	mu      sync.Mutex
	pois    []Poi
	loading bool
	editor  EditorState

	listenerMu sync.Mutex
	listeners  []func()
}

// NewPoiStore wires the collection against the backend; the session gates
// every network operation.
func NewPoiStore(backend *BackendClient, session *SessionStore) *PoiStore {
	return &PoiStore{backend: backend, session: session, loading: true}
}

// OnChange registers a callback invoked after every list or editor state
// change. Callbacks run outside the store lock.
func (s *PoiStore) OnChange(fn func()) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *PoiStore) notify() {
	s.listenerMu.Lock()
	fns := append([]func(){}, s.listeners...)
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Pois returns a snapshot of the current collection.
func (s *PoiStore) Pois() []Poi {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Poi, len(s.pois))
	copy(out, s.pois)
	return out
}

// Loading reports whether an initial or reload fetch is in flight.
func (s *PoiStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Editor returns a snapshot of the editor sub-state.
func (s *PoiStore) Editor() EditorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editor
}

// Load replaces the collection wholesale with the server's list. Without a
// token it is a no-op that only clears the loading flag. Triggered at
// startup and whenever the token transitions from absent to present.
func (s *PoiStore) Load(ctx context.Context) error {
	token := s.session.AccessToken()
	if token == "" {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		s.notify()
		return nil
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	pois, err := s.backend.ListPois(ctx, token)

	s.mu.Lock()
	s.loading = false
	if err == nil {
		s.pois = dedupePoisByID(pois)
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		logger.Error("pois: load failed: %v", err)
		return err
	}
	logger.Debug("pois: loaded %d entries", len(pois))
	return nil
}

// Reset drops the collection, for example after logout.
func (s *PoiStore) Reset() {
	s.mu.Lock()
	s.pois = nil
	s.editor = EditorState{}
	s.mu.Unlock()
	s.notify()
}

// HandleSessionChange reloads on login and clears on logout. Registered as
// a session listener; runs the network load on the calling goroutine.
func (s *PoiStore) HandleSessionChange(ctx context.Context) {
	if s.session.Authenticated() {
		_ = s.Load(ctx)
	} else {
		s.Reset()
	}
}

// OpenCreate opens the editor in create mode at the clicked coordinates,
// clearing any current selection.
func (s *PoiStore) OpenCreate(coords LngLat) {
	s.mu.Lock()
	s.editor = EditorState{
		ClickedCoords: &coords,
		ModalVisible:  true,
	}
	s.mu.Unlock()
	s.notify()
}

// OpenEdit opens the editor in edit mode for the given POI, pre-filling the
// form from its current values.
func (s *PoiStore) OpenEdit(poi Poi) {
	coords := LngLat{Lng: float64(poi.Longitude), Lat: float64(poi.Latitude)}
	s.mu.Lock()
	s.editor = EditorState{
		Selected:         &poi,
		ClickedCoords:    &coords,
		ModalVisible:     true,
		NameInput:        poi.Name,
		DescriptionInput: poi.Description,
	}
	s.mu.Unlock()
	s.notify()
}

// CloseEditor resets every ephemeral editor field. Safe on an already
// closed editor.
func (s *PoiStore) CloseEditor() {
	s.mu.Lock()
	s.editor = EditorState{}
	s.mu.Unlock()
	s.notify()
}

// SetNameInput mirrors the name field of the form.
func (s *PoiStore) SetNameInput(v string) {
	s.mu.Lock()
	s.editor.NameInput = v
	s.mu.Unlock()
	s.notify()
}

// SetDescriptionInput mirrors the description field of the form.
func (s *PoiStore) SetDescriptionInput(v string) {
	s.mu.Lock()
	s.editor.DescriptionInput = v
	s.mu.Unlock()
	s.notify()
}

// RequestDelete opens the confirmation sub-dialog. Requires a selection.
func (s *PoiStore) RequestDelete() {
	s.mu.Lock()
	if s.editor.Selected != nil {
		s.editor.DeleteConfirm = true
	}
	s.mu.Unlock()
	s.notify()
}

// CancelDelete dismisses the confirmation sub-dialog, leaving the editor
// open.
func (s *PoiStore) CancelDelete() {
	s.mu.Lock()
	s.editor.DeleteConfirm = false
	s.mu.Unlock()
	s.notify()
}

// beginMutation validates the shared preconditions and sets exactly one
// in-flight flag. Returns the token and a release func for the flag.
func (s *PoiStore) beginMutation(set func(*EditorState, bool)) (string, func(), error) {
	token := s.session.AccessToken()
	if token == "" {
		return "", nil, ErrNotAuthenticated
	}
	s.mu.Lock()
	if s.editor.Busy() {
		s.mu.Unlock()
		return "", nil, ErrBusy
	}
	set(&s.editor, true)
	s.mu.Unlock()
	s.notify()

	release := func() {
		s.mu.Lock()
		set(&s.editor, false)
		s.mu.Unlock()
		s.notify()
	}
	return token, release, nil
}

// Create posts a new POI at the clicked coordinates, reloads the collection
// and closes the editor on success. A failure leaves the editor open and
// the previous list untouched.
func (s *PoiStore) Create(ctx context.Context, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	s.mu.Lock()
	coords := s.editor.ClickedCoords
	s.mu.Unlock()
	if coords == nil {
		return ErrNoCoordinates
	}

	token, release, err := s.beginMutation(func(e *EditorState, v bool) { e.Creating = v })
	if err != nil {
		return err
	}
	defer release()

	rounded := coords.Rounded()
	_, err = s.backend.CreatePoi(ctx, token, PoiDraft{
		Name:        name,
		Description: strings.TrimSpace(description),
		Latitude:    rounded.Lat,
		Longitude:   rounded.Lng,
	})
	if err != nil {
		return err
	}
	_ = s.Load(ctx)
	s.CloseEditor()
	return nil
}

// Update replaces the selected POI, reloads and closes on success.
func (s *PoiStore) Update(ctx context.Context, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	s.mu.Lock()
	selected := s.editor.Selected
	coords := s.editor.ClickedCoords
	s.mu.Unlock()
	if selected == nil {
		return ErrNoSelection
	}
	if coords == nil {
		return ErrNoCoordinates
	}

	token, release, err := s.beginMutation(func(e *EditorState, v bool) { e.Updating = v })
	if err != nil {
		return err
	}
	defer release()

	rounded := coords.Rounded()
	_, err = s.backend.UpdatePoi(ctx, token, selected.ID, PoiDraft{
		Name:        name,
		Description: strings.TrimSpace(description),
		Latitude:    rounded.Lat,
		Longitude:   rounded.Lng,
	})
	if err != nil {
		return err
	}
	_ = s.Load(ctx)
	s.CloseEditor()
	return nil
}

// Delete removes the selected POI. 200 and 204 responses are equivalent;
// success reloads the collection and closes both the confirmation dialog
// and the editor.
func (s *PoiStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	selected := s.editor.Selected
	s.mu.Unlock()
	if selected == nil {
		return ErrNoSelection
	}

	token, release, err := s.beginMutation(func(e *EditorState, v bool) { e.Deleting = v })
	if err != nil {
		return err
	}
	defer release()

	if err := s.backend.DeletePoi(ctx, token, selected.ID); err != nil {
		return err
	}
	_ = s.Load(ctx)
	s.CloseEditor()
	return nil
}
