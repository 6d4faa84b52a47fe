package yaegi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
)

func TestWrap(t *testing.T) {
	require.Equal(t, "package main\n\nvar Run = func() {}", wrap(" func() {} "))
	require.Equal(t,
		"package main\n\nimport \"strings\"\n\n\nvar Run = func() {}",
		wrap("import \"strings\"\n\nfunc() {}"))
	require.Equal(t, "package main\nfunc Run() {}", wrap("package main\nfunc Run() {}"))
}

func TestSandbox_Run(t *testing.T) {
	sb := New(Options{
		Env: func(context.Context) map[string]any {
			return map[string]any{"clusterId": 3, "name": "cluster-3"}
		},
	})

	t.Run("env", func(t *testing.T) {
		v, err := sb.Run(t.Context(), `func(env map[string]interface{}) (interface{}, error) {
			return env["clusterId"], nil
		}`)
		require.NoError(t, err)
		require.Equal(t, 3, v)
	})

	t.Run("allowed import", func(t *testing.T) {
		v, err := sb.Run(t.Context(), `import "strings"

		func(env map[string]interface{}) (interface{}, error) {
			return strings.ToUpper(env["name"].(string)), nil
		}`)
		require.NoError(t, err)
		require.Equal(t, "CLUSTER-3", v)
	})

	t.Run("full file", func(t *testing.T) {
		v, err := sb.Run(t.Context(), `package main

		func Run(env map[string]interface{}) (interface{}, error) { return len(env), nil }`)
		require.NoError(t, err)
		require.Equal(t, 2, v)
	})

	t.Run("forbidden import", func(t *testing.T) {
		_, err := sb.Run(t.Context(), `import "os"

		func(env map[string]interface{}) (interface{}, error) { return os.Getpid(), nil }`)
		require.ErrorContains(t, err, "compile")
	})

	t.Run("script error", func(t *testing.T) {
		_, err := sb.Run(t.Context(), `import "errors"

		func(env map[string]interface{}) (interface{}, error) { return nil, errors.New("nope") }`)
		require.EqualError(t, err, "nope")
	})

	t.Run("panic", func(t *testing.T) {
		_, err := sb.Run(t.Context(), `func(env map[string]interface{}) (interface{}, error) {
			var m map[string]int
			m["x"] = 1
			return nil, nil
		}`)
		var pe *ipc.PanicError
		require.ErrorAs(t, err, &pe)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := sb.Run(t.Context(), `func() int { return 1 }`)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := sb.Run(t.Context(), "  ")
		require.ErrorIs(t, err, ErrEmptySource)
	})
}

func TestSandbox_Timeout(t *testing.T) {
	sb := New(Options{Timeout: 50 * time.Millisecond})
	_, err := sb.Run(t.Context(), `import "time"

	func(env map[string]interface{}) (interface{}, error) {
		time.Sleep(time.Minute)
		return nil, nil
	}`)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSandbox_Registration(t *testing.T) {
	reg := eval.New(New(Options{}).Registration())
	require.True(t, reg.Has(ipc.CommandGoSource))

	v, err := reg.Eval(t.Context(), ipc.GoSource(`func(env map[string]interface{}) (interface{}, error) {
		return "hello", nil
	}`))
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}
