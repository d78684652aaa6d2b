package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.Handler) *BackendClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackendClient(srv.URL+"/api", 5*time.Second)
}

func TestLoginSendsCredentials(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/users/login/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["username"])
		assert.Equal(t, "hunter2", body["password"])
		_ = json.NewEncoder(w).Encode(LoginResult{
			Access:  "acc",
			Refresh: "ref",
			User:    &Profile{ID: 7, Username: "alice"},
		})
	}))

	res, err := backend.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "acc", res.Access)
	assert.Equal(t, "ref", res.Refresh)
	require.NotNil(t, res.User)
	assert.Equal(t, "alice", res.User.Username)
}

func TestListPoisSendsBearerToken(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/pois/", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":1,"name":"Home","latitude":"40.100000","longitude":"-74.200000"}]`))
	}))

	pois, err := backend.ListPois(context.Background(), "tok-123")
	require.NoError(t, err)
	require.Len(t, pois, 1)
	assert.Equal(t, "Home", pois[0].Name)
	assert.Equal(t, Coord(40.1), pois[0].Latitude)
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := backend.ListPois(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFieldErrorsDecoded(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"username":["A user with that username already exists."],"email":["Enter a valid email address."]}`))
	}))

	_, err := backend.Register(context.Background(), RegisterRequest{Username: "alice"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadRequest, be.Status)
	assert.Equal(t, "A user with that username already exists.", be.Fields["username"])
	assert.Equal(t, "Enter a valid email address.", be.Fields["email"])
	assert.Equal(t, "validation failed", be.Message)
}

func TestErrorMessageKeyDecoded(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"not yours"}`))
	}))

	err := backend.DeletePoi(context.Background(), "tok", 9)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "not yours", be.Message)
	assert.Empty(t, be.Fields)
}

func TestDeleteAccepts204And200(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusOK} {
		var method atomic.Value
		backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method.Store(r.Method + " " + r.URL.Path)
			w.WriteHeader(status)
			if status == http.StatusOK {
				_, _ = w.Write([]byte(`{"message":"deleted"}`))
			}
		}))
		require.NoError(t, backend.DeletePoi(context.Background(), "tok", 42))
		assert.Equal(t, "DELETE /api/pois/42/", method.Load())
	}
}

func TestTransportErrorWrapped(t *testing.T) {
	// Closed server: the request fails at the transport level.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	backend := NewBackendClient(srv.URL+"/api", time.Second)

	_, err := backend.ListPois(context.Background(), "tok")
	require.Error(t, err)
	var be *BackendError
	assert.False(t, errors.As(err, &be))
	assert.Contains(t, err.Error(), "poi backend unreachable")
}

func TestUpdateUsesPut(t *testing.T) {
	backend := newTestBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/pois/5/", r.URL.Path)
		var draft PoiDraft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
		assert.Equal(t, "Renamed", draft.Name)
		_, _ = w.Write([]byte(`{"id":5,"name":"Renamed","latitude":"1.000000","longitude":"2.000000"}`))
	}))

	poi, err := backend.UpdatePoi(context.Background(), "tok", 5, PoiDraft{Name: "Renamed", Latitude: 1, Longitude: 2})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", poi.Name)
}
