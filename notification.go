package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ActionExplore = "explore"
	ActionClose   = "close"

	// Tag of the default background sync task.
	SyncAnalytics = "sync-analytics"
)

var ErrMalformedPayload = errors.New("malformed push payload")

// Vibration pattern of push notifications, in milliseconds.
var DefaultVibrate = []int{200, 100, 200}

// PushPayload is the JSON payload of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	// Page opened by the explore action. Defaults to the root page.
	URL string `json:"url,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	// Milliseconds since the epoch.
	DateOfArrival int64  `json:"dateOfArrival"`
	PrimaryKey    int    `json:"primaryKey"`
	URL           string `json:"url"`
}

// Notification is a notification shown to the user.
type Notification struct {
	Tag     string               `json:"tag"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Windows opens or focuses pages of the controlled site.
type Windows interface {
	OpenWindow(ctx context.Context, url string) error
}

// SyncTask is the work run for a background sync tag.
type SyncTask func(ctx context.Context) error

// newNotification builds the notification for a push payload.
func newNotification(p PushPayload, icon string, now time.Time) Notification {
	if p.Icon != "" {
		icon = p.Icon
	}
	url := p.URL
	if url == "" {
		url = "/"
	}
	return Notification{
		Tag:     uuid.NewString(),
		Title:   p.Title,
		Body:    p.Body,
		Icon:    icon,
		Badge:   icon,
		Vibrate: DefaultVibrate,
		Data: NotificationData{
			DateOfArrival: now.UnixMilli(),
			PrimaryKey:    1,
			URL:           url,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Explore"},
			{Action: ActionClose, Title: "Close"},
		},
	}
}

// parsePushPayload decodes a push payload. Empty data yields false.
func parsePushPayload(data []byte) (PushPayload, bool, error) {
	var p PushPayload
	if len(data) == 0 {
		return p, false, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return p, true, nil
}

// LogNotifier writes notifications to the log instead of showing them.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Show(ctx context.Context, notification Notification) error {
	n.Log.Info().
		Str("tag", notification.Tag).
		Str("title", notification.Title).
		Str("body", notification.Body).
		Msg("Notification")
	return nil
}

func (n LogNotifier) Close(ctx context.Context, tag string) error {
	n.Log.Debug().Str("tag", tag).Msg("Notification closed")
	return nil
}

// LogWindows writes window requests to the log.
type LogWindows struct {
	Log zerolog.Logger
}

func (lw LogWindows) OpenWindow(ctx context.Context, url string) error {
	lw.Log.Info().Str("url", url).Msg("Open window")
	return nil
}

func analyticsTask(log zerolog.Logger) SyncTask {
	return func(ctx context.Context) error {
		log.Info().Msg("Syncing analytics data")
		return nil
	}
}
