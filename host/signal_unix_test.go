//go:build !windows

package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTerminateSignalEndsLoop(t *testing.T) {
	p := &recorder{}
	s := New(WithModules(p.module()))
	require.NoError(t, s.Bootstrap(nil))

	go func() {
		time.Sleep(30 * time.Millisecond)
		unix.Kill(unix.Getpid(), unix.SIGINT)
	}()
	res, err := s.Run(Text(`ctl.mark("started")`))
	require.NoError(t, err)

	assert.False(t, res.Escaped)
	assert.Positive(t, res.Iterations)
	assert.False(t, s.Alive())
	assert.Equal(t, 1, p.closes)
	assert.Equal(t, TornDown, s.State())
}
