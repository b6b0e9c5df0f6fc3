package httptransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_TwAuthCookieAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("tw-auth")
		require.NoError(t, err)
		assert.Equal(t, "secrettoken", cookie.Value)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(srv.URL, func() string { return "secrettoken" })
	result, _, err := tr.Request(context.Background(), "/chat/me.json", Options{})
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, true, m["ok"])
}

func TestRequest_ContentLengthZeroIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := New(srv.URL, nil)
	result, _, err := tr.Request(context.Background(), "/launchpad/v1/logout.json", Options{Method: http.MethodDelete})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRequest_NonTwoXXReturnsHttpError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	tr := New(srv.URL, nil)
	_, _, err := tr.Request(context.Background(), "/chat/people/999.json", Options{})
	require.Error(t, err)

	var httpErr *HttpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)

	body, err := httpErr.Body()
	require.NoError(t, err)
	assert.Contains(t, string(body), "not found")
}

func TestRequest_QueryEncodingBrackets(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := New(srv.URL, nil)
	_, _, err := tr.Request(context.Background(), "/chat/v3/people.json", Options{
		Query: map[string]any{
			"filter": map[string]any{"updatedAfter": "2020-01-01"},
			"page":   map[string]any{"offset": 10, "limit": 20},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "filter%5BupdatedAfter%5D=2020-01-01")
	assert.Contains(t, gotQuery, "page%5Boffset%5D=10")
}

func TestRequest_PathAlreadyHasQuery(t *testing.T) {
	tr := New("https://acme.teamwork.com", nil)
	_, _, err := tr.Request(context.Background(), "/chat/v3/people.json?foo=bar", Options{
		Query: map[string]any{"filter": map[string]any{"x": "y"}},
	})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRequestList_InjectsPageAndDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "page%5Boffset%5D=0")
		w.Write([]byte(`{"people":[{"id":1},{"id":2}],"page":{"offset":0,"limit":20,"total":2}}`))
	}))
	defer srv.Close()

	tr := New(srv.URL, nil)
	offset, limit := 0, 20
	result, err := tr.RequestList(context.Background(), "/chat/v3/people.json", "people", PageOptions{Offset: &offset, Limit: &limit}, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, 2, result.Total)
}
