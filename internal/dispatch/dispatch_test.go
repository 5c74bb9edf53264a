package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcsfleet/control/internal/host"
)

func newTestDispatcher() *Dispatcher {
	return New(time.Second, zerolog.Nop())
}

func newTestHost(name string) *host.Host {
	return host.New(name, "node-1", "instance-1", 10308, 6666, 8088)
}

func TestFanOut_DeliversToMatchingListenersOnly(t *testing.T) {
	d := newTestDispatcher()
	h := newTestHost("alpha")

	var mu sync.Mutex
	var got []string
	d.Register(Listener{
		Name:   "a",
		Events: map[string]bool{"onMissionLoadEnd": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			mu.Lock()
			got = append(got, "a")
			mu.Unlock()
			return nil
		},
	})
	d.Register(Listener{
		Name:   "b",
		Events: map[string]bool{"onPlayerConnect": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			mu.Lock()
			got = append(got, "b")
			mu.Unlock()
			return nil
		},
	})

	d.fanOut(context.Background(), h, host.QueuedEvent{Command: "onMissionLoadEnd"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, got)
}

func TestFanOut_NoMatchingListenerIsANoop(t *testing.T) {
	d := newTestDispatcher()
	h := newTestHost("alpha")
	d.Register(Listener{
		Name:   "a",
		Events: map[string]bool{"onMissionLoadEnd": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			t.Fatal("listener should not be called for an unmatched command")
			return nil
		},
	})
	d.fanOut(context.Background(), h, host.QueuedEvent{Command: "onPlayerConnect"})
}

func TestFanOut_ListenerErrorDoesNotPanicOrBlockOthers(t *testing.T) {
	d := newTestDispatcher()
	h := newTestHost("alpha")

	var secondCalled bool
	d.Register(Listener{
		Name:   "erroring",
		Events: map[string]bool{"onMissionLoadEnd": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			return assert.AnError
		},
	})
	d.Register(Listener{
		Name:   "second",
		Events: map[string]bool{"onMissionLoadEnd": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			secondCalled = true
			return nil
		},
	})

	d.fanOut(context.Background(), h, host.QueuedEvent{Command: "onMissionLoadEnd"})
	assert.True(t, secondCalled, "one listener erroring must not block the others")
}

func TestSetFilters_RejectsInvalidPattern(t *testing.T) {
	d := newTestDispatcher()
	err := d.SetFilters(map[string]string{"alpha": "("})
	assert.Error(t, err)
}

func TestExcluded_ByHostName(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.SetFilters(map[string]string{"alpha": "^alpha$"}))

	h := newTestHost("alpha")
	assert.True(t, d.excluded(h))

	other := newTestHost("bravo")
	assert.False(t, d.excluded(other))
}

func TestExcluded_ByMissionName(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.SetFilters(map[string]string{"mission": "(?i)training"}))

	h := newTestHost("alpha")
	h.CurrentMission = &host.Mission{DisplayName: "Training Mission 1"}
	assert.True(t, d.excluded(h))

	h.CurrentMission.DisplayName = "Operation Overlord"
	assert.False(t, d.excluded(h))
}

func TestFanOut_ExcludedHostSkipsListeners(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.SetFilters(map[string]string{"alpha": "^alpha$"}))
	h := newTestHost("alpha")

	d.Register(Listener{
		Name:   "a",
		Events: map[string]bool{"onMissionLoadEnd": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			t.Fatal("excluded host must not reach any listener")
			return nil
		},
	})
	d.fanOut(context.Background(), h, host.QueuedEvent{Command: "onMissionLoadEnd"})
}

func TestWorker_DrainsQueueUntilCancelled(t *testing.T) {
	d := newTestDispatcher()
	h := newTestHost("alpha")

	processed := make(chan string, 2)
	d.Register(Listener{
		Name:   "a",
		Events: map[string]bool{"onMissionLoadEnd": true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			processed <- string(data)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Worker(ctx, h)
		close(done)
	}()

	h.Queue <- host.QueuedEvent{Command: "onMissionLoadEnd", Data: []byte("first")}
	h.Queue <- host.QueuedEvent{Command: "onMissionLoadEnd", Data: []byte("second")}

	assert.Equal(t, "first", <-processed)
	assert.Equal(t, "second", <-processed)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after ctx cancellation")
	}
}
