package offlinecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
	opened []string
}

func (n *recordingNotifier) Show(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, notification)
	return nil
}

func (n *recordingNotifier) Close(ctx context.Context, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, tag)
	return nil
}

func (n *recordingNotifier) OpenWindow(ctx context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, url)
	return nil
}

func installedWithNotifier(t *testing.T) (*Registration, *recordingNotifier) {
	t.Helper()
	site := newTestSite()
	notifier := &recordingNotifier{}
	config := testConfig(cache.NewMemStorage(), site, "v1")
	config.Notifier = notifier
	config.Windows = notifier
	reg := newTestRegistration(site)
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, config)))
	return reg, notifier
}

func TestPushShowsNotification(t *testing.T) {
	reg, notifier := installedWithNotifier(t)
	before := time.Now().UnixMilli()

	tag, err := reg.Push(context.Background(), []byte(`{"title":"New post","body":"Read it now"}`))
	require.NoError(t, err)

	require.Len(t, notifier.shown, 1)
	n := notifier.shown[0]
	assert.Equal(t, tag, n.Tag)
	assert.Equal(t, "New post", n.Title)
	assert.Equal(t, "Read it now", n.Body)
	assert.Equal(t, DefaultNotificationIcon, n.Icon)
	assert.Equal(t, DefaultNotificationIcon, n.Badge)
	assert.Equal(t, []int{200, 100, 200}, n.Vibrate)
	assert.Equal(t, 1, n.Data.PrimaryKey)
	assert.GreaterOrEqual(t, n.Data.DateOfArrival, before)
	assert.Equal(t, []NotificationAction{
		{Action: ActionExplore, Title: "Explore"},
		{Action: ActionClose, Title: "Close"},
	}, n.Actions)
}

func TestPushEmptyPayloadIgnored(t *testing.T) {
	reg, notifier := installedWithNotifier(t)

	tag, err := reg.Push(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, tag)
	assert.Empty(t, notifier.shown)
}

func TestPushMalformedPayload(t *testing.T) {
	reg, notifier := installedWithNotifier(t)

	_, err := reg.Push(context.Background(), []byte(`{"title":`))

	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Empty(t, notifier.shown)
}

func TestNotificationClickExplore(t *testing.T) {
	reg, notifier := installedWithNotifier(t)
	tag, err := reg.Push(context.Background(), []byte(`{"title":"Hi","body":"there"}`))
	require.NoError(t, err)

	require.NoError(t, reg.NotificationClick(context.Background(), tag, ActionExplore))

	assert.Equal(t, []string{tag}, notifier.closed)
	assert.Equal(t, []string{"/"}, notifier.opened)
}

func TestNotificationClickExploreCustomURL(t *testing.T) {
	reg, notifier := installedWithNotifier(t)
	tag, err := reg.Push(context.Background(), []byte(`{"title":"Hi","body":"there","url":"/news.html"}`))
	require.NoError(t, err)

	require.NoError(t, reg.NotificationClick(context.Background(), tag, ActionExplore))

	assert.Equal(t, []string{"/news.html"}, notifier.opened)
}

func TestNotificationClickClose(t *testing.T) {
	reg, notifier := installedWithNotifier(t)
	tag, err := reg.Push(context.Background(), []byte(`{"title":"Hi","body":"there"}`))
	require.NoError(t, err)

	require.NoError(t, reg.NotificationClick(context.Background(), tag, ActionClose))

	assert.Equal(t, []string{tag}, notifier.closed)
	assert.Empty(t, notifier.opened)
}

func TestSyncTasks(t *testing.T) {
	site := newTestSite()
	config := testConfig(cache.NewMemStorage(), site, "v1")
	errUpload := errors.New("upload failed")
	ran := 0
	config.SyncTasks = map[string]SyncTask{
		"upload": func(ctx context.Context) error {
			ran++
			return errUpload
		},
	}
	reg := newTestRegistration(site)
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, config)))

	assert.NoError(t, reg.Sync(context.Background(), SyncAnalytics))
	assert.NoError(t, reg.Sync(context.Background(), "unknown"))
	assert.ErrorIs(t, reg.Sync(context.Background(), "upload"), errUpload)
	assert.Equal(t, 1, ran)
}

func TestEventsWithoutActiveWorker(t *testing.T) {
	reg := newTestRegistration(newTestSite())

	_, err := reg.Push(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoActiveWorker)
	assert.ErrorIs(t, reg.NotificationClick(context.Background(), "tag", ActionExplore), ErrNoActiveWorker)
	assert.ErrorIs(t, reg.Sync(context.Background(), SyncAnalytics), ErrNoActiveWorker)
}
