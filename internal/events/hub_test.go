package events

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispatchpilot/internal/message"
)

func TestHub_Fanout(t *testing.T) {
	h := NewHub(nil)
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelB()
	require.Equal(t, 2, h.Subscribers())

	h.Publish(message.HostBlocked{})
	require.Equal(t, message.UI(message.HostBlocked{}), <-a)
	require.Equal(t, message.UI(message.HostBlocked{}), <-b)

	cancelA()
	cancelA()
	_, open := <-a
	require.False(t, open)
	require.Equal(t, 1, h.Subscribers())

	h.Publish(message.ToggleDrawer{})
	require.Equal(t, message.UI(message.ToggleDrawer{}), <-b)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	var logs bytes.Buffer
	h := NewHub(slog.New(slog.NewTextHandler(&logs, nil)))
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(message.SuccessToast("one"))
	h.Publish(message.SuccessToast("two"))

	require.Equal(t, message.UI(message.SuccessToast("one")), <-ch)
	require.Empty(t, ch)
	require.Contains(t, logs.String(), "subscriber too slow")
	require.Contains(t, logs.String(), "type=TOAST")
}

func TestHub_Close(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe(1)
	h.Close()
	_, open := <-ch
	require.False(t, open)
	cancel()

	late, _ := h.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}
