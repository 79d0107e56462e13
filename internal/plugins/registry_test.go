package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlugin(id string) Plugin {
	return Plugin{ID: id, Name: id, Version: "1.0.0", Type: TypeMiddleware, Enabled: true}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("zeta")))
	require.NoError(t, r.Register(testPlugin("alpha")))

	err := r.Register(testPlugin("alpha"))
	assert.ErrorIs(t, err, ErrPluginExists)

	assert.Error(t, r.Register(Plugin{Type: TypeGenerator}), "missing id")
	assert.Error(t, r.Register(Plugin{ID: "x", Type: "widget"}), "unknown type")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "zeta", list[1].ID)

	p, ok := r.Get("zeta")
	assert.True(t, ok)
	assert.Equal(t, TypeMiddleware, p.Type)
}

func TestRunOrderAndErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("a")))
	require.NoError(t, r.Register(testPlugin("b")))

	var calls []string
	record := func(name string, err error) HookFunc {
		return func(_ context.Context, hc HookContext) error {
			assert.Equal(t, HookBeforeGenerate, hc.Hook)
			calls = append(calls, name+":"+hc.RunID)
			return err
		}
	}
	require.NoError(t, r.RegisterHook("a", HookBeforeGenerate, record("a1", nil)))
	require.NoError(t, r.RegisterHook("b", HookBeforeGenerate, record("b1", errors.New("nope"))))
	require.NoError(t, r.RegisterHook("a", HookBeforeGenerate, record("a2", nil)))
	require.NoError(t, r.RegisterHook("a", HookAfterGenerate, record("after", nil)))

	err := r.Run(context.Background(), HookBeforeGenerate, HookContext{RunID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin b before:generate: nope")
	assert.Equal(t, []string{"a1:r1", "b1:r1", "a2:r1"}, calls)

	assert.ErrorIs(t, r.RegisterHook("ghost", HookAfterGenerate, record("x", nil)), ErrPluginNotFound)
}

func TestDisabledPluginsAreSkipped(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("a")))
	called := false
	require.NoError(t, r.RegisterHook("a", HookAfterGenerate, func(context.Context, HookContext) error {
		called = true
		return nil
	}))

	require.NoError(t, r.SetEnabled("a", false))
	require.NoError(t, r.Run(context.Background(), HookAfterGenerate, HookContext{}))
	assert.False(t, called)

	require.NoError(t, r.SetEnabled("a", true))
	require.NoError(t, r.Run(context.Background(), HookAfterGenerate, HookContext{}))
	assert.True(t, called)

	assert.ErrorIs(t, r.SetEnabled("ghost", true), ErrPluginNotFound)
}

func TestUnregisterDropsHooks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("a")))
	require.NoError(t, r.Register(testPlugin("b")))
	var calls []string
	require.NoError(t, r.RegisterHook("a", HookBeforeGenerate, func(context.Context, HookContext) error {
		calls = append(calls, "a")
		return nil
	}))
	require.NoError(t, r.RegisterHook("b", HookBeforeGenerate, func(context.Context, HookContext) error {
		calls = append(calls, "b")
		return nil
	}))

	require.NoError(t, r.Unregister("a"))
	assert.ErrorIs(t, r.Unregister("a"), ErrPluginNotFound)

	require.NoError(t, r.Run(context.Background(), HookBeforeGenerate, HookContext{}))
	assert.Equal(t, []string{"b"}, calls)
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_ = r.Register(testPlugin(id))
			_ = r.RegisterHook(id, HookAfterGenerate, func(context.Context, HookContext) error { return nil })
			_ = r.List()
			_ = r.Run(context.Background(), HookAfterGenerate, HookContext{})
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(), 8)
}

func TestScaffoldLoadAndInstall(t *testing.T) {
	data, err := Scaffold("Audit Log", TypeMiddleware)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: audit-log")
	assert.Contains(t, string(data), "before:generate")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.yaml"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	m := manifests[0]
	assert.Equal(t, "audit-log", m.ID)
	assert.Equal(t, "Audit Log", m.Name)
	assert.True(t, m.Enabled)
	assert.Len(t, m.Hooks, 2)

	r := NewRegistry()
	require.NoError(t, r.Install(m))
	require.NoError(t, r.Run(context.Background(), HookBeforeGenerate, HookContext{RunID: "r1"}))

	_, err = Scaffold("x", "widget")
	assert.Error(t, err)

	missing, err := LoadDir(filepath.Join(dir, "nope"))
	assert.NoError(t, err)
	assert.Empty(t, missing)
}

func TestCommandHookReceivesContext(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ctx.json")
	hook := CommandHook("cat > " + out)
	require.NoError(t, hook(context.Background(), HookContext{Hook: HookAfterGenerate, RunID: "run-7", Status: "completed"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"run-7"`)
	assert.Contains(t, string(data), `"status":"completed"`)

	err = CommandHook("echo broken >&2; exit 3")(context.Background(), HookContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "my-cool-plugin", Slug("  My Cool  Plugin! "))
}
