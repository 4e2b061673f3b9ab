package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresParamOrderAndHeaders(t *testing.T) {
	t.Parallel()

	a := Request{URL: "https://example.com/a", Params: map[string]string{"x": "1", "y": "2"}}
	b := Request{
		URL:     "https://example.com/a",
		Params:  map[string]string{"y": "2", "x": "1"},
		Headers: map[string]string{"User-Agent": "other"},
	}
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.Body = "payload"
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	tk := New("demo", Request{URL: "https://example.com"}, 2, Meta{}, nil)
	assert.Equal(t, "GET", tk.Request.Method)
	assert.Equal(t, DefaultRetryWaitSeconds, tk.Meta.RetryWaitSeconds)
	assert.Equal(t, 0, tk.Meta.RetryLimit)
	assert.False(t, tk.Meta.DedupeEnabled)
	assert.Equal(t, 2, tk.Priority)
	assert.NotNil(t, tk.Scratch.Parse)
	assert.Len(t, tk.ID, 64)
	assert.Equal(t, DefaultMeta(), tk.Meta)
}

func TestRetryExhaustsAtLimit(t *testing.T) {
	t.Parallel()

	tk := New("demo", Request{URL: "https://example.com"}, 0, Meta{RetryLimit: 2}, nil)
	require.True(t, tk.Retry())
	require.True(t, tk.Retry())
	require.False(t, tk.Retry())
	require.Equal(t, 2, tk.RetryCount)

	zero := New("demo", Request{URL: "https://example.com"}, 0, DefaultMeta(), nil)
	require.False(t, zero.Retry())
}

func TestFullURLMergesParams(t *testing.T) {
	t.Parallel()

	req := Request{URL: "https://example.com/search?q=go", Params: map[string]string{"page": "2"}}
	got, err := req.FullURL()
	require.NoError(t, err)
	require.Equal(t, "https://example.com/search?page=2&q=go", got)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	tk := New("demo", Request{URL: "https://example.com"}, 0, DefaultMeta(), []Callback{{ParseMethod: "parse"}})
	tk.Scratch.Parse["k"] = "v"
	cp := tk.Clone()
	cp.Scratch.Parse["k"] = "changed"
	cp.Callbacks[0].ParseMethod = "other"

	require.Equal(t, "v", tk.Scratch.Parse["k"])
	require.Equal(t, "parse", tk.Callbacks[0].ParseMethod)
}

func TestMethodNamesAcceptsStringOrList(t *testing.T) {
	t.Parallel()

	var cb []Callback
	raw := `[{"parse_method":"p","next_request_methods":"step"},{"next_request_methods":["a","b"]}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &cb))
	require.Equal(t, MethodNames{"step"}, cb[0].NextRequestMethods)
	require.Equal(t, MethodNames{"a", "b"}, cb[1].NextRequestMethods)
}

func TestResponseSucceeded(t *testing.T) {
	t.Parallel()

	var nilResp *Response
	assert.False(t, nilResp.Succeeded())
	assert.True(t, (&Response{StatusCode: 200}).Succeeded())
	assert.True(t, (&Response{StatusCode: 302}).Succeeded())
	assert.False(t, (&Response{StatusCode: 404}).Succeeded())
	assert.False(t, (&Response{StatusCode: 99999}).Succeeded())
}
