package main

import (
	"context"
	"testing"
	"time"

	"driver-hub/frame"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	fails []bool
	i     int
}

func (b *scriptedBackend) Open(context.Context) error { return nil }
func (b *scriptedBackend) Close() error               { return nil }

func (b *scriptedBackend) Read() (*frame.Frame, error) {
	fail := b.i < len(b.fails) && b.fails[b.i]
	b.i++
	if fail {
		return nil, errors.New("grab failed")
	}
	data := make([]byte, 2*2*3)
	for i := range data {
		data[i] = 100
	}
	return &frame.Frame{Data: data, Width: 2, Height: 2, Timestamp: time.Now()}, nil
}

func TestCollect(t *testing.T) {
	st, last := collect(&scriptedBackend{fails: []bool{true, false, true, false}}, 5)
	require.NotNil(t, last)
	assert.Equal(t, 3, st.Frames)
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, 2, st.Width)
	assert.Equal(t, 100.0, st.Brightness)
}

func TestCollectNothing(t *testing.T) {
	st, last := collect(&scriptedBackend{fails: []bool{true, true}}, 2)
	assert.Nil(t, last)
	assert.Zero(t, st.Frames)
	assert.Zero(t, stats{}.FPS())
}
