package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	lua "github.com/yuin/gopher-lua"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

var ErrHTTPDisabled = errors.New("http not enabled")

// Request is an outgoing HTTP request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is what scripts receive.
type Response struct {
	Status  int
	Body    string
	Headers map[string]string
}

// HTTP performs requests to allowed hosts only.
type HTTP struct {
	cfg    config.HTTP
	client *http.Client
}

func NewHTTP(cfg config.HTTP) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Validate normalizes req and checks it against the policy without any
// network access.
func (h *HTTP) Validate(req *Request) error {
	if req.Method == "" {
		req.Method = "GET"
	}
	req.Method = strings.ToUpper(req.Method)

	switch req.Method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return fmt.Errorf("unsupported method: %s", req.Method)
	}

	if req.URL == "" {
		return errors.New("url required")
	}
	if len(req.URL) > h.cfg.MaxURLLength {
		return errors.New("url exceeds max length")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return errors.New("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return ErrHTTPDisabled
	}
	if host := parsed.Hostname(); !h.isHostAllowed(host) {
		return fmt.Errorf("host not allowed: %s", host)
	}

	if int64(len(req.Body)) > h.cfg.MaxBodySize {
		return errors.New("request body exceeds max size")
	}
	return nil
}

// Do validates and performs req.
func (h *HTTP) Do(ctx context.Context, req Request) (*Response, error) {
	if err := h.Validate(&req); err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewBufferString(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return &Response{Status: resp.StatusCode, Body: string(respBody), Headers: headers}, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	for _, allowed := range h.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// HTTPModule runs requests off the engine goroutine and delivers the
// results to callbacks on the run loop.
type HTTPModule struct {
	http *HTTP
}

func NewHTTPModule(cfg config.HTTP) *HTTPModule {
	return &HTTPModule{http: NewHTTP(cfg)}
}

func (m *HTTPModule) Name() string { return "http" }

func (m *HTTPModule) Install(env *engine.Env) error {
	h := m.http
	logger := env.Logger.With("component", "script")
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var nextID int64

	env.OnClose("http", func() error {
		cancel()
		wg.Wait()
		return nil
	})

	env.SetGlobalTable("http", map[string]lua.LGFunction{
		// http.request(opts, callback) -> id | nil, err
		"request": func(L *lua.LState) int {
			req, err := requestFromTable(L.CheckTable(1))
			if err != nil {
				return fail(L, err)
			}
			callback := L.CheckFunction(2)
			if err := h.Validate(&req); err != nil {
				return fail(L, err)
			}

			nextID++
			id := nextID
			release := env.Loop.Hold()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer release()
				resp, err := h.Do(ctx, req)
				env.Loop.Post(func() {
					args := []lua.LValue{lua.LNil, lua.LNil}
					if err != nil {
						args[1] = lua.LString(err.Error())
					} else {
						args[0] = responseTable(env.L, resp)
					}
					if _, cerr := env.Call(callback, 0, args...); cerr != nil {
						logger.Warn("http callback failed", "request", id, "error", cerr)
					}
				})
			}()

			L.Push(lua.LNumber(id))
			return 1
		},
	})
	return nil
}

func requestFromTable(tbl *lua.LTable) (Request, error) {
	req := Request{
		Method: lua.LVAsString(tbl.RawGetString("method")),
		URL:    lua.LVAsString(tbl.RawGetString("url")),
		Body:   lua.LVAsString(tbl.RawGetString("body")),
	}
	switch hv := tbl.RawGetString("headers").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		req.Headers = make(map[string]string)
		var bad error
		hv.ForEach(func(k, v lua.LValue) {
			ks, kok := k.(lua.LString)
			if !kok || (v.Type() != lua.LTString && v.Type() != lua.LTNumber) {
				bad = errors.New("headers must map strings to strings")
				return
			}
			req.Headers[string(ks)] = v.String()
		})
		if bad != nil {
			return Request{}, bad
		}
	default:
		return Request{}, errors.New("headers must be a table")
	}
	return req, nil
}

func responseTable(L *lua.LState, resp *Response) *lua.LTable {
	tbl := L.CreateTable(0, 3)
	tbl.RawSetString("status", lua.LNumber(resp.Status))
	tbl.RawSetString("body", lua.LString(resp.Body))

	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := L.CreateTable(0, len(keys))
	for _, k := range keys {
		headers.RawSetString(k, lua.LString(resp.Headers[k]))
	}
	tbl.RawSetString("headers", headers)
	return tbl
}
