package main

import (
	"context"
	"errors"
)

// POI editor: the modal bound to the collection store's editor sub-state.
// It renders in edit mode iff a POI is selected, dispatches submit to
// create or update accordingly, and forces destructive actions through the
// confirmation sub-dialog.

// EditorView is what the modal renders from: the raw editor state plus the
// derived title and submit label.
type EditorView struct {
	EditorState
	Title       string `json:"title"`
	SubmitLabel string `json:"submitLabel"`
}

// Editor mediates between the modal UI and the collection store.
type Editor struct {
	store *PoiStore
}

// NewEditor binds the editor to the collection store.
func NewEditor(store *PoiStore) *Editor {
	return &Editor{store: store}
}

// View derives the modal's presentation from the store state.
func (e *Editor) View() EditorView {
	st := e.store.Editor()
	view := EditorView{EditorState: st}
	switch {
	case st.EditMode() && st.Updating:
		view.Title, view.SubmitLabel = "Update Point of Interest", "Updating..."
	case st.EditMode():
		view.Title, view.SubmitLabel = "Update Point of Interest", "Update POI"
	case st.Creating:
		view.Title, view.SubmitLabel = "Create Point of Interest", "Creating..."
	default:
		view.Title, view.SubmitLabel = "Create Point of Interest", "Create POI"
	}
	return view
}

// Submit dispatches to update or create depending on the mode. The store
// rejects empty names and concurrent submissions before touching the
// network.
func (e *Editor) Submit(ctx context.Context) error {
	st := e.store.Editor()
	if !st.ModalVisible {
		return errors.New("editor is not open")
	}
	if st.EditMode() {
		return e.store.Update(ctx, st.NameInput, st.DescriptionInput)
	}
	return e.store.Create(ctx, st.NameInput, st.DescriptionInput)
}

// SetName mirrors the name input.
func (e *Editor) SetName(v string) { e.store.SetNameInput(v) }

// SetDescription mirrors the description input.
func (e *Editor) SetDescription(v string) { e.store.SetDescriptionInput(v) }

// RequestDelete opens the confirmation sub-dialog. Deletion never happens
// directly from the Delete button.
func (e *Editor) RequestDelete() { e.store.RequestDelete() }

// CancelDelete dismisses the confirmation sub-dialog.
func (e *Editor) CancelDelete() { e.store.CancelDelete() }

// ConfirmDelete performs the deletion after confirmation.
func (e *Editor) ConfirmDelete(ctx context.Context) error {
	st := e.store.Editor()
	if !st.DeleteConfirm {
		return errors.New("deletion was not confirmed")
	}
	return e.store.Delete(ctx)
}

// Close dismisses the modal and resets all ephemeral state. Used by cancel
// buttons and backdrop clicks; clicks inside the modal content never reach
// here.
func (e *Editor) Close() { e.store.CloseEditor() }
