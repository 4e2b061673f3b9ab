package demo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/task"
)

const samplePage = `<html><head><title> Prices </title></head><body>
<a href="/a">A</a>
<a href="b#top">B</a>
<a href="/a">A again</a>
<a href="https://other.example/x">elsewhere</a>
<a href="mailto:x@example.com">mail</a>
</body></html>`

func TestExtractPage(t *testing.T) {
	t.Parallel()

	page, err := ExtractPage("https://shop.example/dir/index.html", []byte(samplePage))
	require.NoError(t, err)
	assert.Equal(t, "Prices", page.Title)
	assert.Equal(t, []string{"https://shop.example/a", "https://shop.example/dir/b"}, page.Links)
}

func TestRegisteredInDefaultCatalog(t *testing.T) {
	t.Parallel()

	c, err := crawler.Default().Lookup(Name)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, crawler.SpeedOf(c), 1e-9)
}

func TestEntrySeedsAtDepthZero(t *testing.T) {
	t.Parallel()

	c := New(Options{Seeds: []string{"https://shop.example/"}, MaxDepth: 2, RetryLimit: 3})
	reqs, err := c.Entry(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://shop.example/", reqs[0].HTTP.URL)
	assert.Equal(t, 2, reqs[0].Priority)
	assert.Equal(t, 3, reqs[0].Meta.RetryLimit)
	assert.True(t, reqs[0].Meta.DedupeEnabled)
	assert.Equal(t, []task.Callback{{ParseMethod: ParsePage, NextRequestMethods: task.MethodNames{StepLinks}}}, reqs[0].Callbacks)
}

func TestParseThenStepFollowsLinks(t *testing.T) {
	t.Parallel()

	c := New(Options{MaxDepth: 1})
	res := c.Parse(context.Background(), ParsePage, &task.Response{URL: "https://shop.example/", Body: []byte(samplePage)})
	require.Equal(t, crawler.ParseEmit, res.Kind)

	parent := task.New(Name, task.Request{URL: "https://shop.example/"}, 0, task.DefaultMeta(), nil)
	parent.Scratch.Schedule[depthKey] = float64(0)
	// Items arrive as decoded JSON when queues are shared between processes.
	parent.Scratch.Parse[task.ScratchItem] = map[string]any{
		"url": "https://shop.example/", "title": "Prices", "links": []any{"https://shop.example/a"},
	}
	reqs, err := c.Step(context.Background(), StepLinks, parent)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, 1, reqs[0].Scratch[depthKey])

	parent.Scratch.Schedule[depthKey] = 1
	parent.Scratch.Parse[task.ScratchItem] = res.Item
	reqs, err = c.Step(context.Background(), StepLinks, parent)
	require.NoError(t, err)
	assert.Empty(t, reqs, "max depth reached")
}

func TestUnknownMethods(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	_, err := c.Step(context.Background(), "nope", &task.Task{})
	require.ErrorIs(t, err, crawler.ErrUnknownMethod)
	res := c.Parse(context.Background(), "nope", &task.Response{})
	require.Equal(t, crawler.ParseError, res.Kind)
}
