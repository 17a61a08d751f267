package serverchan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverSendsTitleAndBody(t *testing.T) {
	t.Parallel()

	var gotPath, gotTitle, gotDesp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.URL.Query().Get("title")
		gotDesp = r.URL.Query().Get("desp")
		_, _ = w.Write([]byte(`{"code":0,"message":"","data":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", srv.Client())
	err := c.Deliver(context.Background(), "SCT123abc", "Check-in succeeded", "account: alice\nresult: ok")
	require.NoError(t, err)
	assert.Equal(t, "/SCT123abc.send", gotPath)
	assert.Equal(t, "Check-in succeeded", gotTitle)
	assert.Equal(t, "account: alice\nresult: ok", gotDesp)
}

func TestDeliverErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "http status", status: http.StatusInternalServerError, body: "boom"},
		{name: "api code", status: http.StatusOK, body: `{"code":40001,"message":"bad sendkey"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := New(srv.URL, srv.Client()).Deliver(context.Background(), "key", "t", "b")
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("err = %v, want ErrRejected", err)
			}
		})
	}
}

func TestDeliverNonJSONOKIsSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, srv.Client()).Deliver(context.Background(), "key", "t", "b"))
	require.ErrorIs(t, New(srv.URL, srv.Client()).Deliver(context.Background(), " ", "t", "b"), ErrRejected)
}
