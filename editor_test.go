package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEditor(t *testing.T, handler http.Handler) (*Editor, *PoiStore) {
	t.Helper()
	store := newAuthedStore(t, handler)
	return NewEditor(store), store
}

func TestViewCreateMode(t *testing.T) {
	editor, store := newTestEditor(t, http.NotFoundHandler())
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})

	view := editor.View()
	assert.Equal(t, "Create Point of Interest", view.Title)
	assert.Equal(t, "Create POI", view.SubmitLabel)
	assert.True(t, view.ModalVisible)
	assert.False(t, view.EditMode())
}

func TestViewEditMode(t *testing.T) {
	editor, store := newTestEditor(t, http.NotFoundHandler())
	store.OpenEdit(Poi{ID: 3, Name: "Home", Description: "base", Latitude: 1, Longitude: 2})

	view := editor.View()
	assert.Equal(t, "Update Point of Interest", view.Title)
	assert.Equal(t, "Update POI", view.SubmitLabel)
	assert.Equal(t, "Home", view.NameInput)
	assert.Equal(t, "base", view.DescriptionInput)
	assert.True(t, view.EditMode())
}

func TestViewBusyLabels(t *testing.T) {
	editor, store := newTestEditor(t, http.NotFoundHandler())

	store.OpenCreate(LngLat{Lng: 1, Lat: 2})
	store.mu.Lock()
	store.editor.Creating = true
	store.mu.Unlock()
	assert.Equal(t, "Creating...", editor.View().SubmitLabel)

	store.OpenEdit(Poi{ID: 1, Latitude: 1, Longitude: 2})
	store.mu.Lock()
	store.editor.Updating = true
	store.mu.Unlock()
	assert.Equal(t, "Updating...", editor.View().SubmitLabel)
}

func TestSubmitRequiresOpenModal(t *testing.T) {
	editor, _ := newTestEditor(t, http.NotFoundHandler())
	assert.Error(t, editor.Submit(context.Background()))
}

func TestSubmitDispatchesCreate(t *testing.T) {
	editor, store := newTestEditor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var draft PoiDraft
			require.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
			assert.Equal(t, "Cafe", draft.Name)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1,"name":"Cafe","latitude":"2.000000","longitude":"1.000000"}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	store.OpenCreate(LngLat{Lng: 1, Lat: 2})
	editor.SetName("Cafe")
	editor.SetDescription("coffee")

	require.NoError(t, editor.Submit(context.Background()))
	assert.False(t, editor.View().ModalVisible)
}

func TestSubmitDispatchesUpdate(t *testing.T) {
	editor, store := newTestEditor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "/api/pois/7/", r.URL.Path)
			_, _ = w.Write([]byte(`{"id":7,"name":"New","latitude":"2.000000","longitude":"1.000000"}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	store.OpenEdit(Poi{ID: 7, Name: "Old", Latitude: 2, Longitude: 1})
	editor.SetName("New")

	require.NoError(t, editor.Submit(context.Background()))
	assert.False(t, editor.View().ModalVisible)
}

func TestConfirmDeleteRequiresRequest(t *testing.T) {
	editor, store := newTestEditor(t, http.NotFoundHandler())
	store.OpenEdit(Poi{ID: 7, Latitude: 1, Longitude: 2})

	// Confirm without the confirmation step is rejected.
	assert.Error(t, editor.ConfirmDelete(context.Background()))
}

func TestTwoStepDelete(t *testing.T) {
	editor, store := newTestEditor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	store.OpenEdit(Poi{ID: 7, Latitude: 1, Longitude: 2})

	editor.RequestDelete()
	assert.True(t, editor.View().DeleteConfirm)

	require.NoError(t, editor.ConfirmDelete(context.Background()))
	view := editor.View()
	assert.False(t, view.ModalVisible)
	assert.False(t, view.DeleteConfirm)
}

func TestCancelDeleteThenClose(t *testing.T) {
	editor, store := newTestEditor(t, http.NotFoundHandler())
	store.OpenEdit(Poi{ID: 7, Latitude: 1, Longitude: 2})
	editor.RequestDelete()
	editor.CancelDelete()

	view := editor.View()
	assert.False(t, view.DeleteConfirm)
	assert.True(t, view.ModalVisible)

	editor.Close()
	assert.Equal(t, EditorState{}, store.Editor())
}
