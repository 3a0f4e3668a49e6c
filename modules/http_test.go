package modules

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestHTTPValidate(t *testing.T) {
	h := NewHTTP(config.HTTP{AllowedHosts: []string{"allowed.com"}, MaxURLLength: 40, MaxBodySize: 4})

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"unallowed host", Request{URL: "https://evil.com"}, "host not allowed: evil.com"},
		{"query param bypass", Request{URL: "https://evil.com/?x=allowed.com"}, "host not allowed: evil.com"},
		{"suffix bypass", Request{URL: "https://allowed.com.evil.com/"}, "host not allowed: allowed.com.evil.com"},
		{"scheme", Request{URL: "ftp://allowed.com/file"}, "scheme must be http or https"},
		{"method", Request{Method: "TRACE", URL: "https://allowed.com"}, "unsupported method: TRACE"},
		{"no url", Request{}, "url required"},
		{"long url", Request{URL: "https://allowed.com/" + string(make([]byte, 40))}, "url exceeds max length"},
		{"big body", Request{Method: "post", URL: "https://allowed.com", Body: "12345"}, "request body exceeds max size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			assert.EqualError(t, h.Validate(&req), tc.want)
		})
	}

	req := Request{URL: "https://api.allowed.com/v1"}
	require.NoError(t, h.Validate(&req))
	assert.Equal(t, "GET", req.Method)
}

func TestHTTPDisabledWithoutHosts(t *testing.T) {
	h := NewHTTP(config.HTTP{})
	req := Request{URL: "https://example.com"}
	assert.ErrorIs(t, h.Validate(&req), ErrHTTPDisabled)
}

func TestHTTPModuleRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo", r.Header.Get("X-Token"))
		w.WriteHeader(201)
		w.Write([]byte(r.Method + ":" + string(body)))
	}))
	defer server.Close()

	env := newTestEnv(t, nil, NewHTTPModule(config.HTTP{AllowedHosts: []string{"127.0.0.1"}}))
	env.L.SetGlobal("URL", lua.LString(server.URL))

	env.run(t, `
		id = http.request({method = "post", url = URL, body = "hi", headers = {["X-Token"] = "t1"}},
			function(resp, err)
				status = resp.status
				body = resp.body
				echo = resp.headers["X-Echo"]
				failure = err
			end)
	`)
	assert.Equal(t, lua.LNumber(1), env.global("id"))
	assert.False(t, env.Loop.Idle())

	env.stepUntil(t, func() bool { return env.global("status") != lua.LNil })
	assert.Equal(t, lua.LNumber(201), env.global("status"))
	assert.Equal(t, lua.LString("POST:hi"), env.global("body"))
	assert.Equal(t, lua.LString("t1"), env.global("echo"))
	assert.Equal(t, lua.LNil, env.global("failure"))

	env.stepUntil(t, env.Loop.Idle)
}

func TestHTTPModuleRejectsSynchronously(t *testing.T) {
	env := newTestEnv(t, nil, NewHTTPModule(config.HTTP{}))
	env.run(t, `
		id, err = http.request({url = "https://example.com"}, function() called = true end)
		id2, err2 = http.request({url = "https://example.com", headers = "nope"}, function() end)
	`)

	assert.Equal(t, lua.LNil, env.global("id"))
	assert.Equal(t, lua.LString("http not enabled"), env.global("err"))
	assert.Equal(t, lua.LString("headers must be a table"), env.global("err2"))
	assert.True(t, env.Loop.Idle())
}

func TestHTTPModuleReportsTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	env := newTestEnv(t, nil, NewHTTPModule(config.HTTP{AllowedHosts: []string{"127.0.0.1"}}))
	env.L.SetGlobal("URL", lua.LString(url))
	env.run(t, `
		http.request({url = URL}, function(resp, err)
			got_resp = resp
			failure = err
		end)
	`)

	env.stepUntil(t, func() bool { return env.global("failure") != lua.LNil })
	assert.Equal(t, lua.LNil, env.global("got_resp"))
	assert.Contains(t, env.global("failure").String(), "request failed")
}

func TestHTTPTeardownCancelsInFlight(t *testing.T) {
	cancelled := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(cancelled)
	}))
	defer server.Close()

	env, err := engine.New(engine.WithModules(NewHTTPModule(config.HTTP{AllowedHosts: []string{"127.0.0.1"}})))
	require.NoError(t, err)
	env.L.SetGlobal("URL", lua.LString(server.URL))
	require.NoError(t, env.L.DoString(`http.request({url = URL}, function() end)`))

	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		env.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown did not cancel the request")
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the cancellation")
	}
}
