package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthedStore(t *testing.T, handler http.Handler) *PoiStore {
	t.Helper()
	backend := newTestBackend(t, handler)
	session := NewSessionStore(backend, newTestTokenStore(t))
	session.adopt(&LoginResult{Access: "tok", User: &Profile{ID: 1, Username: "alice"}})
	return NewPoiStore(backend, session)
}

func TestLoadReplacesCollection(t *testing.T) {
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[
			{"id":1,"name":"Home","latitude":"40.100000","longitude":"-74.200000"},
			{"id":2,"name":"Work","latitude":"40.300000","longitude":"-74.400000"},
			{"id":1,"name":"Home dup","latitude":"40.100000","longitude":"-74.200000"}
		]`))
	}))

	require.NoError(t, store.Load(context.Background()))
	pois := store.Pois()
	require.Len(t, pois, 2)
	assert.Equal(t, "Home", pois[0].Name)
	assert.Equal(t, "Work", pois[1].Name)
	assert.False(t, store.Loading())
}

func TestLoadWithoutTokenIsNoop(t *testing.T) {
	var hits atomic.Int32
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	session := NewSessionStore(backend, newTestTokenStore(t))
	store := NewPoiStore(backend, session)

	require.NoError(t, store.Load(context.Background()))
	assert.Zero(t, hits.Load())
	assert.Empty(t, store.Pois())
	assert.False(t, store.Loading())
}

func TestLoadFailureKeepsPreviousList(t *testing.T) {
	var fail atomic.Bool
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"name":"Home","latitude":"1.000000","longitude":"2.000000"}]`))
	}))

	require.NoError(t, store.Load(context.Background()))
	require.Len(t, store.Pois(), 1)

	fail.Store(true)
	require.Error(t, store.Load(context.Background()))
	assert.Len(t, store.Pois(), 1)
	assert.False(t, store.Loading())
}

func TestCreateRoundsReloadsAndCloses(t *testing.T) {
	var created atomic.Bool
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var draft PoiDraft
			require.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
			assert.Equal(t, "Cafe", draft.Name)
			assert.Equal(t, 40.123457, draft.Latitude)
			assert.Equal(t, -74.5, draft.Longitude)
			created.Store(true)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":9,"name":"Cafe","latitude":"40.123457","longitude":"-74.500000"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":9,"name":"Cafe","latitude":"40.123457","longitude":"-74.500000"}]`))
		}
	}))

	store.OpenCreate(LngLat{Lng: -74.50000049, Lat: 40.1234567})
	require.True(t, store.Editor().ModalVisible)

	require.NoError(t, store.Create(context.Background(), "  Cafe  ", ""))
	assert.True(t, created.Load())

	// The collection is reloaded from the server and the modal is gone.
	pois := store.Pois()
	require.Len(t, pois, 1)
	assert.Equal(t, int64(9), pois[0].ID)
	editor := store.Editor()
	assert.False(t, editor.ModalVisible)
	assert.False(t, editor.Busy())
	assert.Nil(t, editor.ClickedCoords)
}

func TestCreateEmptyNameNeverHitsNetwork(t *testing.T) {
	var hits atomic.Int32
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})

	assert.ErrorIs(t, store.Create(context.Background(), "   ", "desc"), ErrNameRequired)
	assert.Zero(t, hits.Load())
	assert.True(t, store.Editor().ModalVisible)
}

func TestCreateWithoutCoordinates(t *testing.T) {
	store := newAuthedStore(t, http.NotFoundHandler())
	assert.ErrorIs(t, store.Create(context.Background(), "x", ""), ErrNoCoordinates)
}

func TestCreateFailureLeavesEditorOpen(t *testing.T) {
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":["too long"]}`))
	}))
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})

	err := store.Create(context.Background(), "x", "")
	var be *BackendError
	require.ErrorAs(t, err, &be)

	editor := store.Editor()
	assert.True(t, editor.ModalVisible)
	assert.False(t, editor.Busy(), "in-flight flag must be released on failure")
	assert.Empty(t, store.Pois())
}

func TestCreateRequiresAuthentication(t *testing.T) {
	backend := newTestBackend(t, http.NotFoundHandler())
	session := NewSessionStore(backend, newTestTokenStore(t))
	store := NewPoiStore(backend, session)
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})

	assert.ErrorIs(t, store.Create(context.Background(), "x", ""), ErrNotAuthenticated)
}

func TestUpdateUsesSelection(t *testing.T) {
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "/api/pois/5/", r.URL.Path)
			var draft PoiDraft
			require.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
			assert.Equal(t, "Renamed", draft.Name)
			_, _ = w.Write([]byte(`{"id":5,"name":"Renamed","latitude":"1.000000","longitude":"2.000000"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":5,"name":"Renamed","latitude":"1.000000","longitude":"2.000000"}]`))
		}
	}))

	store.OpenEdit(Poi{ID: 5, Name: "Old", Latitude: 1, Longitude: 2})
	editor := store.Editor()
	assert.Equal(t, "Old", editor.NameInput)
	require.NotNil(t, editor.ClickedCoords)

	require.NoError(t, store.Update(context.Background(), "Renamed", ""))
	assert.False(t, store.Editor().ModalVisible)
	require.Len(t, store.Pois(), 1)
	assert.Equal(t, "Renamed", store.Pois()[0].Name)
}

func TestUpdateWithoutSelection(t *testing.T) {
	store := newAuthedStore(t, http.NotFoundHandler())
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})
	assert.ErrorIs(t, store.Update(context.Background(), "x", ""), ErrNoSelection)
}

func TestDeleteReloadsAndCloses(t *testing.T) {
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			assert.Equal(t, "/api/pois/5/", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		}
	}))

	store.OpenEdit(Poi{ID: 5, Name: "Doomed", Latitude: 1, Longitude: 2})
	store.RequestDelete()
	assert.True(t, store.Editor().DeleteConfirm)

	require.NoError(t, store.Delete(context.Background()))
	editor := store.Editor()
	assert.False(t, editor.ModalVisible)
	assert.False(t, editor.DeleteConfirm)
	assert.Empty(t, store.Pois())
}

func TestDeleteFailureKeepsEditorOpen(t *testing.T) {
	store := newAuthedStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"not yours"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	store.OpenEdit(Poi{ID: 5, Latitude: 1, Longitude: 2})
	store.RequestDelete()

	require.Error(t, store.Delete(context.Background()))
	editor := store.Editor()
	assert.True(t, editor.ModalVisible)
	assert.False(t, editor.Deleting)
}

func TestRequestDeleteNeedsSelection(t *testing.T) {
	store := newAuthedStore(t, http.NotFoundHandler())
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})
	store.RequestDelete()
	assert.False(t, store.Editor().DeleteConfirm)

	assert.ErrorIs(t, store.Delete(context.Background()), ErrNoSelection)
}

func TestCancelDeleteKeepsEditorOpen(t *testing.T) {
	store := newAuthedStore(t, http.NotFoundHandler())
	store.OpenEdit(Poi{ID: 1, Latitude: 1, Longitude: 2})
	store.RequestDelete()
	store.CancelDelete()
	editor := store.Editor()
	assert.False(t, editor.DeleteConfirm)
	assert.True(t, editor.ModalVisible)
	require.NotNil(t, editor.Selected)
}

func TestMutationsAreMutuallyExclusive(t *testing.T) {
	store := newAuthedStore(t, http.NotFoundHandler())
	store.OpenEdit(Poi{ID: 1, Latitude: 1, Longitude: 2})

	// Simulate an in-flight update.
	store.mu.Lock()
	store.editor.Updating = true
	store.mu.Unlock()

	assert.ErrorIs(t, store.Delete(context.Background()), ErrBusy)
	assert.ErrorIs(t, store.Update(context.Background(), "x", ""), ErrBusy)
}

func TestHandleSessionChange(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"name":"Home","latitude":"1.000000","longitude":"2.000000"}]`))
	}))
	session := NewSessionStore(backend, newTestTokenStore(t))
	store := NewPoiStore(backend, session)

	session.adopt(&LoginResult{Access: "tok"})
	store.HandleSessionChange(context.Background())
	assert.Len(t, store.Pois(), 1)

	session.Logout()
	store.HandleSessionChange(context.Background())
	assert.Empty(t, store.Pois())
	assert.Equal(t, EditorState{}, store.Editor())
}
