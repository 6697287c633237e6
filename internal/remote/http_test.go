package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/mosaicapps/outbox/errs"
	"github.com/mosaicapps/outbox/internal/schema"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewHTTPClient(HTTPConfig{BaseURL: server.URL}, server.Client())
	require.NoError(t, err)
	return client, server
}

func TestCreateRecordSendsIdempotencyToken(t *testing.T) {
	var gotToken string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/records", r.URL.Path)
		gotToken = r.Header.Get("X-Client-Request-Id")

		var record schema.Record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&record))
		record.ID = "srv_1"
		require.NoError(t, json.NewEncoder(w).Encode(record))
	}))

	created, err := client.CreateRecord(context.Background(),
		schema.Record{Name: "groceries", LocalKey: "a1"}, "req-1")
	require.NoError(t, err)
	require.Equal(t, "req-1", gotToken)
	require.Equal(t, "srv_1", created.ID)
	require.Equal(t, "groceries", created.Name)
}

func TestUpdateRecordMapsNotFoundToGracefulNil(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	name := "renamed"
	updated, err := client.UpdateRecord(context.Background(), "srv_1",
		schema.RecordPatch{Name: &name})
	require.NoError(t, err)
	require.Nil(t, updated)
}

func TestUpdateRecordReturnsAuthoritativeState(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/v1/records/srv_1", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(schema.Record{ID: "srv_1", Name: "renamed"}))
	}))

	name := "renamed"
	updated, err := client.UpdateRecord(context.Background(), "srv_1",
		schema.RecordPatch{Name: &name})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, "renamed", updated.Name)
}

func TestDeleteRecordUsesRecordPath(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.DeleteRecord(context.Background(), "srv_9"))
	require.Equal(t, "/v1/records/srv_9", gotPath)
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		code      errs.Code
		retryable bool
	}{
		{http.StatusBadRequest, errs.CodeInvalid, false},
		{http.StatusUnprocessableEntity, errs.CodeInvalid, false},
		{http.StatusRequestTimeout, errs.CodeUnavailable, true},
		{http.StatusTooManyRequests, errs.CodeRateLimited, true},
		{http.StatusInternalServerError, errs.CodeRemote, true},
		{http.StatusBadGateway, errs.CodeRemote, true},
	}
	for _, tc := range cases {
		status := tc.status
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		err := client.DeleteRecord(context.Background(), "srv_1")
		require.Error(t, err)
		require.Equal(t, tc.code, errs.CodeOf(err), "status %d", tc.status)
		require.Equal(t, tc.status, errs.HTTPStatus(err), "status %d", tc.status)
		require.Equal(t, tc.retryable, errs.Retryable(err), "status %d", tc.status)
	}
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{}, nil)
	require.Error(t, err)
}
