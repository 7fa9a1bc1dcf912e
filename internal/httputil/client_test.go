package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStandardClient(t *testing.T) {
	t.Parallel()
	c := &http.Client{}
	assert.Same(t, c, NewStandardClient(c))
	assert.Same(t, http.DefaultClient, NewStandardClient(nil))
}

func TestGetJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("decodes body", func(t *testing.T) {
		t.Parallel()
		mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{"count": 3}`)
		var v struct{ Count int }
		require.NoError(t, GetJSON(ctx, mock, "http://example.com/api", &v))
		assert.Equal(t, 3, v.Count)
		require.Equal(t, 1, mock.RequestCount())
		assert.Equal(t, "application/json", mock.Requests[0].Header.Get("Accept"))
	})

	t.Run("status error quotes body", func(t *testing.T) {
		t.Parallel()
		mock := NewMockHTTPClient().AddResponse(http.StatusNotFound, `{"error":"gone"}`)
		var v map[string]any
		err := GetJSON(ctx, mock, "http://example.com/api", &v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, err.Error(), "gone")
	})

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		mock := NewMockHTTPClient().AddErrorResponse(boom)
		var v map[string]any
		assert.ErrorIs(t, GetJSON(ctx, mock, "http://example.com/api", &v), boom)
	})

	t.Run("bad json", func(t *testing.T) {
		t.Parallel()
		mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{`)
		var v map[string]any
		assert.ErrorContains(t, GetJSON(ctx, mock, "http://example.com/api", &v), "decode")
	})

	t.Run("real server", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteJSONOK(w, []int{1, 2})
		}))
		defer srv.Close()
		var v []int
		require.NoError(t, GetJSON(ctx, NewStandardClient(srv.Client()), srv.URL, &v))
		assert.Equal(t, []int{1, 2}, v)
	})
}

func TestMockDrainedQueueReturnsOK(t *testing.T) {
	t.Parallel()
	mock := NewMockHTTPClient()
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, err := mock.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
