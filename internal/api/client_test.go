package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPClientGetTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/task", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Task{ID: "t1", Command: "fuzz"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	task, err := c.GetTask(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, "fuzz", task.Command)
}

func TestHTTPClientGetTaskNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Task{})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	task, err := c.GetTask(context.Background())
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.GetTask(context.Background())
	require.Error(t, err)
}

func TestFakeClientCreateAndFindTestcase(t *testing.T) {
	f := NewFakeClient()
	id, err := f.CreateTestcase(context.Background(), &Testcase{
		JobID: "job1", CrashType: "SIGSEGV", CrashState: "foo()", SecurityFlag: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	found, err := f.FindTestcase(context.Background(), "job1", "SIGSEGV", "foo()", true)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, id, found.ID)

	notFound, err := f.FindTestcase(context.Background(), "job1", "SIGSEGV", "bar()", true)
	require.NoError(t, err)
	require.Nil(t, notFound)
}
