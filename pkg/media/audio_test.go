package media

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeEngine_CapturesFixedFrames(t *testing.T) {
	source := bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	engine, err := NewPipeEngine(PipeConfig{
		Source:    source,
		Sink:      &bytes.Buffer{},
		FrameSize: 4,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Close()

	var frames [][]byte
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-engine.Frames():
			if !ok {
				// Хвост меньше кадра отбрасывается вместе с концом источника
				require.Len(t, frames, 2)
				assert.Equal(t, []byte{1, 2, 3, 4}, frames[0])
				assert.Equal(t, []byte{5, 6, 7, 8}, frames[1])
				return
			}
			frames = append(frames, frame)
		case <-deadline:
			t.Fatal("захват не завершился")
		}
	}
}

func TestPipeEngine_PlayWritesToSink(t *testing.T) {
	sink := &bytes.Buffer{}
	engine, err := NewPipeEngine(PipeConfig{
		Source: bytes.NewReader(nil),
		Sink:   sink,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Play([]byte{0xAA, 0xBB}))
	require.NoError(t, engine.Play([]byte{0xCC}))
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, sink.Bytes())
}

func TestPipeEngine_PlayAfterClose(t *testing.T) {
	engine, err := NewPipeEngine(PipeConfig{
		Source: bytes.NewReader(nil),
		Sink:   &bytes.Buffer{},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	assert.Error(t, engine.Play([]byte{0x01}))
}

func TestPipeEngine_StartTwice(t *testing.T) {
	engine, err := NewPipeEngine(PipeConfig{
		Source: bytes.NewReader(nil),
		Sink:   &bytes.Buffer{},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	assert.Error(t, engine.Start(context.Background()))
}

func TestPipeEngine_Validation(t *testing.T) {
	_, err := NewPipeEngine(PipeConfig{Sink: &bytes.Buffer{}})
	assert.Error(t, err)

	_, err = NewPipeEngine(PipeConfig{Source: bytes.NewReader(nil)})
	assert.Error(t, err)
}
