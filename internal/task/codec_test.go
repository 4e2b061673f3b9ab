package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePreservesSchema(t *testing.T) {
	t.Parallel()

	tk := New("demo", Request{
		URL:     "https://example.com/list",
		Params:  map[string]string{"page": "1"},
		Headers: map[string]string{"Accept": "text/html"},
	}, 5, Meta{RetryLimit: 2, DedupeEnabled: true}, []Callback{
		{ParseMethod: "parse_list", NextRequestMethods: MethodNames{"follow"}},
	})
	tk.Response = &Response{StatusCode: 200, Body: []byte("<html></html>")}
	tk.Scratch.Parse[ScratchItem] = map[string]any{"title": "hello"}
	tk.Scratch.Parse[ScratchCallbackIndex] = 0

	data, err := Encode(tk)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, tk.ID, got.ID)
	require.Equal(t, tk.Meta, got.Meta)
	require.Equal(t, tk.Callbacks, got.Callbacks)
	require.Equal(t, 200, got.Response.StatusCode)
	require.Equal(t, 0, got.CallbackIndex())
	item, ok := got.Item()
	require.True(t, ok)
	require.Equal(t, map[string]any{"title": "hello"}, item)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"v":99,"task":{}}`))
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeFillsMissingScratch(t *testing.T) {
	t.Parallel()

	got, err := Decode([]byte(`{"v":1,"task":{"id":"h1","crawler_name":"x"}}`))
	require.NoError(t, err)
	require.NotNil(t, got.Scratch.Fetch)
	require.NotNil(t, got.Scratch.Schedule)
	require.NotNil(t, got.Scratch.Parse)
	require.Nil(t, got.Response)
	require.Equal(t, -1, got.CallbackIndex())
}
