package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/task"
)

func TestCatalogRegisterAndLookup(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	require.NoError(t, c.Register(&Funcs{CrawlerName: "b"}))
	require.NoError(t, c.Register(&Funcs{CrawlerName: "a"}))
	require.Error(t, c.Register(&Funcs{CrawlerName: "a"}))
	require.Error(t, c.Register(&Funcs{}))

	require.Equal(t, []string{"a", "b"}, c.Names())
	got, err := c.Lookup("a")
	require.NoError(t, err)
	require.Equal(t, "a", got.Name())

	_, err = c.Lookup("missing")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestFuncsDispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &Funcs{
		CrawlerName: "demo",
		OnEntry: func(context.Context) ([]Request, error) {
			return []Request{Get("https://example.com", Then("parse", "follow"))}, nil
		},
		Steps: map[string]StepFunc{
			"follow": func(context.Context, *task.Task) ([]Request, error) { return nil, nil },
		},
		Parsers: map[string]ParseFunc{
			"parse": func(context.Context, *task.Response) ParseResult { return Emit("item") },
		},
	}

	reqs, err := f.Entry(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, task.MethodNames{"follow"}, reqs[0].Callbacks[0].NextRequestMethods)

	_, err = f.Step(ctx, "nope", nil)
	require.ErrorIs(t, err, ErrUnknownMethod)

	res := f.Parse(ctx, "parse", &task.Response{StatusCode: 200})
	require.Equal(t, ParseEmit, res.Kind)
	require.Equal(t, "item", res.Item)

	res = f.Parse(ctx, "missing", nil)
	require.Equal(t, ParseError, res.Kind)
	require.True(t, errors.Is(res.Err, ErrUnknownMethod))
}

func TestSpeedOf(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, DefaultSpeed, SpeedOf(&Funcs{}), 1e-9)
	assert.InDelta(t, 0.3, SpeedOf(&Funcs{Rate: 0.3}), 1e-9)
}

func TestParseKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "emit", Emit(1).Kind.String())
	assert.Equal(t, "retry_current", RetryCurrent().Kind.String())
	assert.Equal(t, "noop", NoOp().Kind.String())
	assert.Equal(t, "error", Error(errors.New("x")).Kind.String())
}
