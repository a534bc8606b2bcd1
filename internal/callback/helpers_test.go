package callback

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

type captured struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
}

// newRecorder starts a server that answers call n (from 0) with respond(n)
// and reports every request on the returned channel.
func newRecorder(t *testing.T, respond func(n int) (int, string)) (*httptest.Server, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 64)
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- captured{method: r.Method, url: r.URL, header: r.Header.Clone(), body: b}
		code, reply := respond(int(calls.Add(1) - 1))
		w.WriteHeader(code)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func reply(code int, body string) func(int) (int, string) {
	return func(int) (int, string) { return code, body }
}
