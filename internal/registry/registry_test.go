package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/registry"
)

type recordingListener struct {
	got []any
}

func (l *recordingListener) Notify(payload any) {
	l.got = append(l.got, payload)
}

func TestBindDispatchUnbind(t *testing.T) {
	reg := registry.New()
	l := &recordingListener{}

	reg.Bind(42, l)
	require.True(t, reg.Dispatch(42, "status-changed"))
	require.Equal(t, []any{"status-changed"}, l.got)

	reg.Unbind(42)
	require.False(t, reg.Dispatch(42, "ignored"))
}

func TestBindUnbindIsNoOp(t *testing.T) {
	reg := registry.New()
	before := reg.Len()

	reg.Bind(7, &recordingListener{})
	reg.Unbind(7)

	require.Equal(t, before, reg.Len())
}

func TestLookupMissing(t *testing.T) {
	reg := registry.New()
	_, ok := reg.Lookup(1)
	require.False(t, ok)
}

func TestConcurrentBindLookup(t *testing.T) {
	reg := registry.New()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			reg.Bind(uint64(i), &recordingListener{})
			reg.Unbind(uint64(i))
		}
	}()

	for i := 0; i < 1000; i++ {
		reg.Lookup(uint64(i))
	}
	<-done
}
