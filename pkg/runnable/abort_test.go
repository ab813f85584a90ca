package runnable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAbortSignal_SingleShot(t *testing.T) {
	s := NewAbortSignal()
	assert.False(t, s.Aborted())
	assert.NoError(t, s.Err())

	s.Abort("timeout")
	assert.True(t, s.Aborted())
	assert.Equal(t, "timeout", s.Reason())
	assert.ErrorIs(t, s.Err(), ErrCancelled)

	// Second raise is a no-op; the first reason wins.
	s.Abort("user request")
	assert.Equal(t, "timeout", s.Reason())
}

func TestAbortSignal_DoneChannel(t *testing.T) {
	s := NewAbortSignal()
	select {
	case <-s.Done():
		t.Fatal("done channel closed before abort")
	default:
	}
	s.Abort("stop")
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after abort")
	}
}
