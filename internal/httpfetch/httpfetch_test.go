package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitFetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", "Wed, 29 Jul 2026 12:00:00 GMT")
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	var gotDate time.Time
	c := New(WithDateCallback(func(t time.Time) { gotDate = t }))

	done := make(chan struct{})
	var stats collab.Stats
	var data []byte
	var fetchErr error
	c.Submit(context.Background(), collab.Request{URL: srv.URL}, collab.FlagNone, func(s collab.Stats, d []byte, err error) {
		stats, data, fetchErr = s, d, err
		close(done)
	})
	<-done

	require.NoError(t, fetchErr)
	assert.Equal(t, "segment-bytes", string(data))
	assert.Equal(t, http.StatusOK, stats.StatusCode)
	assert.Equal(t, 2026, gotDate.Year())
}

func TestSubmitSendsUserAgentCookiesReferer(t *testing.T) {
	var gotUA, gotReferer, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		if ck, err := r.Cookie("session"); err == nil {
			gotCookie = ck.Value
		}
	}))
	defer srv.Close()

	c := New()
	c.SetUserAgent("adaptivedemux2/1.0")
	c.SetReferer("https://player.example/")
	c.SetCookies([]*http.Cookie{{Name: "session", Value: "abc123"}})

	done := make(chan struct{})
	c.Submit(context.Background(), collab.Request{URL: srv.URL}, collab.FlagNone, func(collab.Stats, []byte, error) {
		close(done)
	})
	<-done

	assert.Equal(t, "adaptivedemux2/1.0", gotUA)
	assert.Equal(t, "https://player.example/", gotReferer)
	assert.Equal(t, "abc123", gotCookie)
}

func TestSetCookiesMergesByName(t *testing.T) {
	c := New()
	c.SetCookies([]*http.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
	c.SetCookies([]*http.Cookie{{Name: "b", Value: "3"}})

	require.Len(t, c.cookies, 2)
	byName := map[string]string{}
	for _, ck := range c.cookies {
		byName[ck.Name] = ck.Value
	}
	assert.Equal(t, "1", byName["a"])
	assert.Equal(t, "3", byName["b"], "later SetCookies call replaces same-named cookie")
}

func TestSubmitRetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New()
	c.retryDelay = time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	var data []byte
	var fetchErr error
	c.Submit(context.Background(), collab.Request{URL: srv.URL}, collab.FlagNone, func(_ collab.Stats, d []byte, err error) {
		data, fetchErr = d, err
		wg.Done()
	})
	wg.Wait()

	require.NoError(t, fetchErr)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSubmitHeaderOnlyUsesHEAD(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	c := New()
	done := make(chan struct{})
	c.Submit(context.Background(), collab.Request{URL: srv.URL}, collab.FlagHeaderOnly, func(collab.Stats, []byte, error) {
		close(done)
	})
	<-done

	assert.Equal(t, http.MethodHead, gotMethod)
}

func TestSubmitByteRangeSetsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
	}))
	defer srv.Close()

	c := New()
	done := make(chan struct{})
	c.Submit(context.Background(), collab.Request{URL: srv.URL, ByteRangeOK: true, RangeStart: 100, RangeEnd: 199}, collab.FlagNone, func(collab.Stats, []byte, error) {
		close(done)
	})
	<-done

	assert.Equal(t, "bytes=100-199", gotRange)
}
