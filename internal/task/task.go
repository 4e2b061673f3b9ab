// Package task defines the work item that flows between the scheduler, fetch,
// and parse stages, plus its versioned wire encoding.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"sort"
	"strings"
)

// DefaultRetryWaitSeconds is applied when a request does not set its own wait.
const DefaultRetryWaitSeconds = 3

// Meta carries the per-task routing knobs.
type Meta struct {
	RetryLimit       int  `json:"retry_limit"`
	RetryWaitSeconds int  `json:"retry_wait_seconds"`
	DedupeEnabled    bool `json:"dedupe_enabled"`
}

// DefaultMeta returns {retry_limit: 0, retry_wait_seconds: 3, dedupe_enabled: false}.
func DefaultMeta() Meta {
	return Meta{RetryWaitSeconds: DefaultRetryWaitSeconds}
}

// BasicAuth holds credentials forwarded to the fetch stage.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Request is the HTTP request a crawler wants executed. The scheduler never
// interprets it beyond hashing.
type Request struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Params         map[string]string `json:"params,omitempty"`
	Body           string            `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Proxy          string            `json:"proxy,omitempty"`
	Auth           *BasicAuth        `json:"auth,omitempty"`
}

// FullURL returns the request URL with Params merged into its query string.
func (r Request) FullURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	if len(r.Params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range r.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Response is filled in by the fetch stage.
type Response struct {
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	Error      string              `json:"error,omitempty"`
	ElapsedMS  int64               `json:"elapsed_ms,omitempty"`
}

// StatusFetchFailed marks a response for a request that never got an HTTP reply.
const StatusFetchFailed = 99999

// Succeeded reports whether the status code is in [200, 400).
func (r *Response) Succeeded() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 400
}

// Scratch is per-stage free-form bookkeeping.
type Scratch struct {
	Fetch    map[string]any `json:"fetch"`
	Schedule map[string]any `json:"schedule"`
	Parse    map[string]any `json:"parse"`
}

// Parse scratch keys written by the parse stage.
const (
	ScratchItem          = "item"
	ScratchCallbackIndex = "callback_index"
)

// Callback names the crawler methods to run for one step of the chain.
type Callback struct {
	ParseMethod        string      `json:"parse_method,omitempty"`
	NextRequestMethods MethodNames `json:"next_request_methods,omitempty"`
}

// MethodNames decodes from either a single string or a list of strings.
type MethodNames []string

// UnmarshalJSON accepts "name" or ["a", "b"].
func (m *MethodNames) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*m = nil
			return nil
		}
		*m = MethodNames{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("next_request_methods: %w", err)
	}
	*m = many
	return nil
}

// Task is the unit of work moving through the queues.
type Task struct {
	ID          string     `json:"id"`
	CrawlerName string     `json:"crawler_name"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	Meta        Meta       `json:"meta"`
	Request     Request    `json:"request"`
	Response    *Response  `json:"response,omitempty"`
	Scratch     Scratch    `json:"stage_scratch"`
	Callbacks   []Callback `json:"callback_chain"`
}

// New builds a Task for crawlerName and assigns its content-hash id.
func New(crawlerName string, req Request, priority int, meta Meta, chain []Callback) *Task {
	if req.Method == "" {
		req.Method = "GET"
	}
	if meta.RetryWaitSeconds <= 0 {
		meta.RetryWaitSeconds = DefaultRetryWaitSeconds
	}
	return &Task{
		ID:          Fingerprint(req),
		CrawlerName: crawlerName,
		Priority:    priority,
		Meta:        meta,
		Request:     req,
		Scratch:     newScratch(),
		Callbacks:   chain,
	}
}

// Fingerprint hashes url, body and query params into a stable hex id.
// Param order does not affect the result.
func Fingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.URL))
	h.Write([]byte{0})
	h.Write([]byte(req.Body))
	h.Write([]byte{0})
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(req.Params[k])
		b.WriteByte('&')
	}
	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// Retry consumes one attempt of the fetch retry budget. It returns false once
// RetryCount has reached Meta.RetryLimit, at which point the task should be
// dropped.
func (t *Task) Retry() bool {
	if t.RetryCount >= t.Meta.RetryLimit {
		return false
	}
	t.RetryCount++
	return true
}

// Item returns the extracted item stored by the parse stage, if any.
func (t *Task) Item() (any, bool) {
	if t.Scratch.Parse == nil {
		return nil, false
	}
	v, ok := t.Scratch.Parse[ScratchItem]
	return v, ok
}

// CallbackIndex returns the chain entry that produced this task's item, or -1.
func (t *Task) CallbackIndex() int {
	if t.Scratch.Parse == nil {
		return -1
	}
	switch v := t.Scratch.Parse[ScratchCallbackIndex].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

// Clone copies the task. Scratch maps and the chain are copied one level deep.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Scratch = Scratch{
		Fetch:    cloneMap(t.Scratch.Fetch),
		Schedule: cloneMap(t.Scratch.Schedule),
		Parse:    cloneMap(t.Scratch.Parse),
	}
	if t.Callbacks != nil {
		cp.Callbacks = make([]Callback, len(t.Callbacks))
		copy(cp.Callbacks, t.Callbacks)
	}
	if t.Response != nil {
		resp := *t.Response
		cp.Response = &resp
	}
	cp.Request.Params = maps.Clone(t.Request.Params)
	cp.Request.Headers = maps.Clone(t.Request.Headers)
	return &cp
}

func newScratch() Scratch {
	return Scratch{
		Fetch:    map[string]any{},
		Schedule: map[string]any{},
		Parse:    map[string]any{},
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
