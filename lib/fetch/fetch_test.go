package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phdscout/lib/telemetry"
)

func TestFetchSendsDeclaredIdentity(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:fetch")
	defer cleanup()

	var gotAgent string
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept-Language")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := NewFetcher(NewHostLimiters(0), Options{UserAgent: "phdscout-test/1.0"})
	html, status, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, 200, status)
	require.Contains(t, html, "hello")
	require.Equal(t, "phdscout-test/1.0", gotAgent)
	require.Equal(t, "en-US,en;q=0.5", gotAccept)
}

func TestFetchNon2xxStatus(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:fetch")
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(NewHostLimiters(0), Options{})
	_, status, err := f.Fetch(context.Background(), srv.URL)
	require.Equal(t, 404, status)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, 404, fetchErr.StatusCode)
	require.Equal(t, srv.URL, fetchErr.URL)
}

func TestFetchConnectionError(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:fetch")
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := NewFetcher(NewHostLimiters(0), Options{})
	_, _, err := f.Fetch(context.Background(), srv.URL)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, 0, fetchErr.StatusCode)
	require.NotNil(t, fetchErr.Unwrap())
}

func TestFetchPolitenessSpacing(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:fetch")
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>listing body</body></html>"))
	}))
	defer srv.Close()

	delay := time.Millisecond * 50
	f := NewFetcher(NewHostLimiters(delay), Options{})

	const n = 5
	start := time.Now()
	for i := 0; i < n; i++ {
		_, _, err := f.Fetch(context.Background(), srv.URL)
		if err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, time.Duration(n-1)*delay)
}

func TestHostLimitersAreIndependent(t *testing.T) {
	limiters := NewHostLimiters(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()

	// first slot per host is free
	require.NoError(t, limiters.Wait(ctx, "a.example"))
	require.NoError(t, limiters.Wait(ctx, "b.example"))

	// a second request to the same host must block until the deadline
	err := limiters.Wait(ctx, "a.example")
	require.Error(t, err)
}
