package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainer_ResolveValue(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("answer")
	require.NoError(t, reg.Register(NewValue(token, 42)))

	views := NewContainer(reg).Views("s1")
	got, err := Resolve[int](context.Background(), views, token)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestContainer_GlobalBuiltOncePerProcess(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("pool")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeGlobal, func(context.Context, Resolver) (any, error) {
		return int(calls.Add(1)), nil
	})))

	c := NewContainer(reg)
	ctx := context.Background()

	first, err := c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	second, err := c.Views("s2").Resolve(ctx, token)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestContainer_FactoryIsLazy(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("lazy")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeGlobal, func(context.Context, Resolver) (any, error) {
		return int(calls.Add(1)), nil
	})))

	views := NewContainer(reg).Views("s1")
	assert.Equal(t, int32(0), calls.Load(), "factory must not run before first resolve")

	_, err := views.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestContainer_SessionMemoizedPerSessionID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("conn")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeSession, func(context.Context, Resolver) (any, error) {
		return int(calls.Add(1)), nil
	})))

	c := NewContainer(reg)
	ctx := context.Background()

	a1, err := c.Views("alpha").Resolve(ctx, token)
	require.NoError(t, err)
	a2, err := c.Views("alpha").Resolve(ctx, token)
	require.NoError(t, err)
	b, err := c.Views("beta").Resolve(ctx, token)
	require.NoError(t, err)

	assert.Equal(t, a1, a2, "same session shares the instance")
	assert.NotEqual(t, a1, b, "sessions do not share instances")
	assert.Equal(t, int32(2), calls.Load())
}

func TestContainer_ConcurrentFirstAccessBuildsExactlyOne(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("conn")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeSession, func(context.Context, Resolver) (any, error) {
		return int(calls.Add(1)), nil
	})))

	c := NewContainer(reg)
	ctx := context.Background()

	const workers = 16
	results := make([]any, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Views("shared").Resolve(ctx, token)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent first access must build one instance")
	for _, got := range results {
		assert.Equal(t, results[0], got)
	}
}

func TestContainer_RequestFreshPerViews(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("req")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeRequest, func(context.Context, Resolver) (any, error) {
		return int(calls.Add(1)), nil
	})))

	c := NewContainer(reg)
	ctx := context.Background()

	first, err := c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	second, err := c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "each request gets a fresh instance")

	views := c.Views("s1")
	third, err := views.Resolve(ctx, token)
	require.NoError(t, err)
	fourth, err := views.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, third, fourth, "within one request the instance is stable")
}

func TestContainer_ScopeViolations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reqToken := NewToken("request-thing")
	sessToken := NewToken("session-thing")
	globToken := NewToken("global-thing")

	newContainer := func(t *testing.T) *Container {
		t.Helper()
		reg := NewRegistry()
		require.NoError(t, reg.Register(NewFactory(reqToken, LifetimeRequest, noopConstruct)))
		require.NoError(t, reg.Register(NewFactory(sessToken, LifetimeSession, noopConstruct)))
		require.NoError(t, reg.Register(NewFactory(globToken, LifetimeGlobal, func(ctx context.Context, r Resolver) (any, error) {
			return r.Resolve(sessToken)
		}, sessToken)))
		return NewContainer(reg)
	}

	t.Run("request token from global view", func(t *testing.T) {
		t.Parallel()
		views := newContainer(t).Views("s1")
		_, err := views.Global.Resolve(ctx, reqToken)
		var sv *ScopeViolationError
		require.ErrorAs(t, err, &sv)
		assert.Equal(t, LifetimeRequest, sv.Declared)
		assert.Equal(t, LifetimeGlobal, sv.From)
	})

	t.Run("session token from global view", func(t *testing.T) {
		t.Parallel()
		views := newContainer(t).Views("s1")
		_, err := views.Global.Resolve(ctx, sessToken)
		var sv *ScopeViolationError
		require.ErrorAs(t, err, &sv)
	})

	t.Run("global record cannot capture session dependency", func(t *testing.T) {
		t.Parallel()
		views := newContainer(t).Views("s1")
		_, err := views.Resolve(ctx, globToken)
		var sv *ScopeViolationError
		require.ErrorAs(t, err, &sv)
		assert.Equal(t, sessToken, sv.Token)
	})

	t.Run("request view resolves every lifetime", func(t *testing.T) {
		t.Parallel()
		views := newContainer(t).Views("s1")
		_, err := views.Resolve(ctx, reqToken)
		assert.NoError(t, err)
		_, err = views.Resolve(ctx, sessToken)
		assert.NoError(t, err)
	})
}

func TestContainer_ResolveErrorForUnknownToken(t *testing.T) {
	t.Parallel()

	views := NewContainer(NewRegistry()).Views("s1")
	_, err := views.Resolve(context.Background(), NewToken("ghost"))
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, NewToken("ghost"), re.Token)
}

func TestResolve_TypeMismatch(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("cfg")
	require.NoError(t, reg.Register(NewValue(token, "a string")))

	views := NewContainer(reg).Views("s1")
	_, err := Resolve[int](context.Background(), views, token)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Reason, "string")
}

func TestContainer_UndeclaredCycleCaughtAtResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a, b := NewToken("a"), NewToken("b")
	require.NoError(t, reg.Register(NewFactory(a, LifetimeGlobal, func(_ context.Context, r Resolver) (any, error) {
		return r.Resolve(b)
	})))
	require.NoError(t, reg.Register(NewFactory(b, LifetimeGlobal, func(_ context.Context, r Resolver) (any, error) {
		return r.Resolve(a)
	})))

	_, err := NewContainer(reg).Views("s1").Resolve(context.Background(), a)
	var cycle *DependencyCycleError
	require.ErrorAs(t, err, &cycle)
}

func TestContainer_NestedDependenciesResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	base := NewToken("base")
	derived := NewToken("derived")
	require.NoError(t, reg.Register(NewValue(base, 2)))
	require.NoError(t, reg.Register(NewFactory(derived, LifetimeSession, func(_ context.Context, r Resolver) (any, error) {
		raw, err := r.Resolve(base)
		if err != nil {
			return nil, err
		}
		return raw.(int) * 10, nil
	}, base)))

	got, err := Resolve[int](context.Background(), NewContainer(reg).Views("s1"), derived)
	require.NoError(t, err)
	assert.Equal(t, 20, got)
}

func TestViews_BindShadowsForSingleRequest(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("principal")
	require.NoError(t, reg.Register(NewValue(token, "anonymous")))

	c := NewContainer(reg)
	ctx := context.Background()

	bound := c.Views("s1")
	require.NoError(t, bound.Bind(NewInjected(token, "alice")))
	got, err := bound.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got)

	other, err := c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", other, "request bindings must not leak")
}

func TestContainer_ConstructFailureNotCached(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("flaky")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeGlobal, func(context.Context, Resolver) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("cold start")
		}
		return "warm", nil
	})))

	c := NewContainer(reg)
	ctx := context.Background()

	_, err := c.Views("s1").Resolve(ctx, token)
	require.Error(t, err)

	got, err := c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "warm", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestContainer_DropSessionForgetsInstances(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("conn")
	var calls atomic.Int32
	require.NoError(t, reg.Register(NewFactory(token, LifetimeSession, func(context.Context, Resolver) (any, error) {
		return int(calls.Add(1)), nil
	})))

	c := NewContainer(reg)
	ctx := context.Background()

	first, err := c.Views("gone").Resolve(ctx, token)
	require.NoError(t, err)
	c.DropSession("gone")
	second, err := c.Views("gone").Resolve(ctx, token)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestContainer_HotReloadRebuildsGlobal(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	token := NewToken("handler")
	rec := NewValue(token, "v1")
	rec.HotReload = true
	require.NoError(t, reg.Register(rec))
	reg.Freeze()

	c := NewContainer(reg)
	ctx := context.Background()

	got, err := c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	next := NewValue(token, "v2")
	next.HotReload = true
	require.NoError(t, reg.Register(next))

	got, err = c.Views("s1").Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestContainer_ForkShadowsParentBinding(t *testing.T) {
	t.Parallel()

	parent := NewRegistry()
	token := NewToken("store")
	require.NoError(t, parent.Register(NewValue(token, "parent")))

	child := parent.Fork()
	require.NoError(t, child.Register(NewValue(token, "child")))

	got, err := NewContainer(child).Views("s1").Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "child", got)

	got, err = NewContainer(parent).Views("s1").Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "parent", got)
}
