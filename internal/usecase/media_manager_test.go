package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/domain"
	"proctor/internal/ports"
)

var avConstraints = ports.MediaConstraints{Video: true, Audio: true}

func TestMediaManagerAcquireReusesLiveHandle(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())

	first, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)
	second, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, devices.openCount())
	assert.Equal(t, 1, manager.LiveCount())
}

func TestMediaManagerCoalescesConcurrentAcquire(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{gate: make(chan struct{})}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())

	results := make(chan *MediaHandle, 2)
	for i := 0; i < 2; i++ {
		go func() {
			handle, err := manager.Acquire(context.Background(), avConstraints)
			if err != nil {
				results <- nil
				return
			}
			results <- handle
		}()
	}

	require.Eventually(t, func() bool { return devices.openCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(devices.gate)

	a, b := <-results, <-results
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.Equal(t, 1, devices.openCount())
	assert.Equal(t, 1, manager.LiveCount())
}

func TestMediaManagerStopAllWhilePendingReleasesOnArrival(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{gate: make(chan struct{})}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())

	errs := make(chan error, 1)
	go func() {
		_, err := manager.Acquire(context.Background(), avConstraints)
		errs <- err
	}()

	require.Eventually(t, func() bool { return devices.openCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, manager.StopAll())
	close(devices.gate)

	assert.ErrorIs(t, <-errs, ErrAcquireSuperseded)
	stream := devices.stream(0)
	require.NotNil(t, stream)
	assert.EqualValues(t, 1, stream.stops.Load())
	assert.Zero(t, manager.LiveCount())
	assert.Nil(t, manager.Current())
}

func TestMediaManagerReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())

	handle, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)

	require.NoError(t, manager.Release(handle))
	require.NoError(t, manager.Release(handle))
	require.NoError(t, manager.StopAll())

	assert.EqualValues(t, 1, devices.stream(0).stops.Load())
	assert.True(t, handle.Closed())
	assert.Zero(t, manager.LiveCount())
	assert.ErrorIs(t, manager.Attach(handle, &fakeSink{name: "call"}), ErrHandleClosed)
}

func TestMediaManagerConcurrentReleaseCountsOnce(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())

	handle, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = manager.Release(handle)
		}()
	}
	close(start)
	wg.Wait()

	assert.Zero(t, manager.LiveCount())
	assert.EqualValues(t, 1, devices.stream(0).stops.Load())
	assert.True(t, handle.Closed())
}

func TestMediaManagerAcquireWithDoneContextDoesNotOpen(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.Acquire(ctx, avConstraints)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, devices.openCount())
	assert.Zero(t, manager.LiveCount())
}

func TestMediaManagerReportsVideoTrack(t *testing.T) {
	t.Parallel()

	manager := NewMediaCaptureManager(&fakeDevices{}, zerolog.Nop())

	handle, err := manager.Acquire(context.Background(), ports.MediaConstraints{Audio: true})
	require.NoError(t, err)
	assert.False(t, handle.HasVideo())
	require.NoError(t, manager.StopAll())

	handle, err = manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)
	assert.True(t, handle.HasVideo())
}

func TestMediaManagerReacquiresAfterRelease(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())

	first, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)
	require.NoError(t, manager.StopAll())

	second, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, devices.openCount())
	assert.Equal(t, 1, manager.LiveCount())
}

func TestMediaManagerSwapSinkKeepsStream(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{}
	manager := NewMediaCaptureManager(devices, zerolog.Nop())
	call := &fakeSink{name: "call"}
	code := &fakeSink{name: "code"}

	handle, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)
	require.NoError(t, manager.Attach(handle, call))
	require.NoError(t, manager.SwapSink(handle, code))

	assert.Empty(t, call.current())
	assert.Equal(t, handle.ID(), code.current())
	assert.Equal(t, 1, devices.openCount())

	require.NoError(t, manager.StopAll())
	assert.Empty(t, code.current())
	assert.ErrorIs(t, manager.SwapSink(handle, call), ErrHandleClosed)
}

func TestMediaManagerClassifiesDeviceErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		reason domain.DeviceErrorReason
	}{
		{err: fmt.Errorf("open camera: %w", domain.ErrPermissionDenied), reason: domain.DeviceReasonPermissionDenied},
		{err: fmt.Errorf("open camera: %w", domain.ErrDeviceNotFound), reason: domain.DeviceReasonNotFound},
		{err: errors.New("device busy"), reason: domain.DeviceReasonUnavailable},
	}

	for _, tc := range cases {
		manager := NewMediaCaptureManager(&fakeDevices{err: tc.err}, zerolog.Nop())
		_, err := manager.Acquire(context.Background(), avConstraints)

		var devErr *domain.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, tc.reason, devErr.Reason)
		assert.ErrorIs(t, err, tc.err)
		assert.Zero(t, manager.LiveCount())
	}
}

func TestMediaManagerAudioSource(t *testing.T) {
	t.Parallel()

	manager := NewMediaCaptureManager(&fakeDevices{}, zerolog.Nop())
	_, ok := manager.AudioSource()
	assert.False(t, ok)

	_, err := manager.Acquire(context.Background(), avConstraints)
	require.NoError(t, err)

	reader, ok := manager.AudioSource()
	require.True(t, ok)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(data))
}
