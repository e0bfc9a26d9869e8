package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dkrasner/yodi/pkg/executor"
	"github.com/dkrasner/yodi/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatcher() *executor.Dispatcher {
	d := executor.NewDispatcher(testLogger())
	h := &executor.Handlers{ParentPID: 1234}
	h.RegisterDefaults(d)
	return d
}

func TestTickReturnsFalseOnEmptyQueue(t *testing.T) {
	st := store.NewMemoryStore()
	w := New(st, testDispatcher(), nil, testLogger())
	assert.False(t, w.tick(context.Background()))
}

func TestTickDeletesCommandBeforeProducingResult(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	id, err := st.Add(ctx, store.KindCommand, []byte(`{"type":"echo","id":"1","data":"hi"}`))
	require.NoError(t, err)

	w := New(st, testDispatcher(), nil, testLogger())
	processed := w.tick(ctx)
	require.True(t, processed)

	_, err = st.One(ctx, store.KindCommand)
	assert.ErrorIs(t, err, store.ErrEmpty, "command must be gone even though a result was produced")

	result, err := st.One(ctx, store.KindResult)
	require.NoError(t, err)
	assert.Contains(t, string(result.Payload), "hi")
	_ = id
}

func TestTickSilentlyDroppedCommandStillDeletesInput(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.Add(ctx, store.KindCommand, []byte(`{"type":"unknown-type","id":"1"}`))

	w := New(st, testDispatcher(), nil, testLogger())
	processed := w.tick(ctx)
	require.True(t, processed)

	_, err := st.One(ctx, store.KindCommand)
	assert.ErrorIs(t, err, store.ErrEmpty)
	_, err = st.One(ctx, store.KindResult)
	assert.ErrorIs(t, err, store.ErrEmpty, "unknown command type must not produce a result")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := store.NewMemoryStore()
	w := New(st, testDispatcher(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunProcessesQueuedCommandsEagerly(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st.Add(ctx, store.KindCommand, []byte(`{"type":"echo","id":"x","data":"y"}`))
	}

	w := New(st, testDispatcher(), nil, testLogger())
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	w.Run(runCtx)

	_, err := st.One(ctx, store.KindCommand)
	assert.ErrorIs(t, err, store.ErrEmpty, "all three queued commands should have drained well within the idle wait")
}
