package punchsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSetsHeadersAndDecodes(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/events", r.URL.Path)
		assert.Equal(t, "pk_test", r.Header.Get("X-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"t1","result":"inserted","punch":{"id":3,"task_id":"t1","punch_type":"tool_call","punch_key":"read_file"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "pk_test"
	res, err := c.Send(context.Background(), Event{TaskID: "t1", EventType: "tool", Payload: map[string]any{"tool": "read_file"}})
	require.NoError(t, err)
	assert.Equal(t, "inserted", res.Result)
	require.NotNil(t, res.Punch)
	assert.Equal(t, int64(3), res.Punch.ID)
	assert.Equal(t, "tool", got.EventType)
	assert.WithinDuration(t, time.Now(), got.EmittedAt, time.Minute)
}

func TestErrorEnvelopeIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/tasks/a%2Fb/kill", r.URL.EscapedPath())
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"conflict","message":"task is not running"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	_, err := c.Kill(context.Background(), "a/b", "manual")
	require.Error(t, err)
	assert.True(t, IsCode(err, "conflict"))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Contains(t, ae.Error(), "task is not running")
}

func TestValidateEscapesCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tests & lint", r.URL.Query().Get("card_id"))
		_, _ = w.Write([]byte(`{"task_id":"t1","card_id":"tests & lint","status":"fail","missing":[{"ref":"gate_pass:pytest","marker":"missing"}]}`))
	}))
	defer srv.Close()

	v, err := New(srv.URL).Validate(context.Background(), "t1", "tests & lint")
	require.NoError(t, err)
	assert.Equal(t, "fail", v.Status)
	require.Len(t, v.Missing, 1)
	assert.Equal(t, "missing", v.Missing[0].Marker)
}
