//go:build unit

package nilcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type handler interface {
	Handle(ctx context.Context) error
}

type noopHandler struct{}

func (*noopHandler) Handle(context.Context) error { return nil }

func TestInterface(t *testing.T) {
	t.Parallel()

	var (
		nilPointer *noopHandler
		nilSlice   []string
		nilMap     map[string]int
		nilChan    chan struct{}
		nilFunc    func()
		nilIface   handler
	)

	var typedNil handler = nilPointer

	require.True(t, Interface(nil))
	require.True(t, Interface(nilPointer))
	require.True(t, Interface(nilSlice))
	require.True(t, Interface(nilMap))
	require.True(t, Interface(nilChan))
	require.True(t, Interface(nilFunc))
	require.True(t, Interface(nilIface))
	require.True(t, Interface(typedNil))

	require.False(t, Interface(0))
	require.False(t, Interface(""))
	require.False(t, Interface(noopHandler{}))
	require.False(t, Interface(&noopHandler{}))
	require.False(t, Interface(map[string]int{}))
}
