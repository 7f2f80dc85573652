package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/noncefirewall/portfolio/internal/platform/id"
)

const (
	// ActionExplore opens the root document.
	ActionExplore = "explore"
	// ActionClose only dismisses the notification.
	ActionClose = "close"

	notificationIcon  = "/android-chrome-192x192.png"
	notificationBadge = "/favicon-32x32.png"
	actionIcon        = "/favicon-32x32.png"
	rootDocument      = "/"
)

var vibratePattern = []int{100, 50, 100}

// PushPayload is the JSON body delivered with a push event.
type PushPayload struct {
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	PrimaryKey json.RawMessage `json:"primaryKey,omitempty"`
}

// NotificationAction is a button rendered on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// NotificationData travels with the notification back to click handlers.
type NotificationData struct {
	DateOfArrival int64           `json:"dateOfArrival"`
	PrimaryKey    json.RawMessage `json:"primaryKey,omitempty"`
}

// Notification is the user-visible message synthesized from a push.
type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Click is a user interaction with a shown notification. An empty Action
// means the body was clicked.
type Click struct {
	NotificationID string `json:"notificationId"`
	Action         string `json:"action,omitempty"`
}

// Notifier displays notifications and windows for connected pages.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

// PushBridge turns push payloads into notifications.
type PushBridge struct {
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
	newID    func() (string, error)
}

// PushOption configures a PushBridge.
type PushOption func(*PushBridge)

// WithClock overrides the arrival clock.
func WithClock(now func() time.Time) PushOption {
	return func(b *PushBridge) {
		if now != nil {
			b.now = now
		}
	}
}

// NewPushBridge builds a bridge over notifier.
func NewPushBridge(notifier Notifier, logger *log.Logger, opts ...PushOption) (*PushBridge, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	b := &PushBridge{notifier: notifier, logger: logger, now: time.Now, newID: id.NewID}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// HandlePush shows a notification for data. An empty or malformed payload,
// including one without a title, shows nothing; the returned flag reports whether a notification was shown.
func (b *PushBridge) HandlePush(ctx context.Context, data []byte) (Notification, bool) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Notification{}, false
	}
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Printf("edge: push payload dropped err=%v", err)
		return Notification{}, false
	}
	if strings.TrimSpace(payload.Title) == "" {
		b.logger.Printf("edge: push payload dropped err=missing title")
		return Notification{}, false
	}
	notificationID, err := b.newID()
	if err != nil {
		b.logger.Printf("edge: push dropped err=%v", err)
		return Notification{}, false
	}
	n := BuildNotification(notificationID, payload, b.now())
	if err := b.notifier.ShowNotification(ctx, n); err != nil {
		b.logger.Printf("edge: show notification failed id=%s err=%v", n.ID, err)
		return Notification{}, false
	}
	return n, true
}

// HandleClick closes the clicked notification and opens the root document
// for the explore action.
func (b *PushBridge) HandleClick(ctx context.Context, click Click) {
	if err := b.notifier.CloseNotification(ctx, click.NotificationID); err != nil {
		b.logger.Printf("edge: close notification failed id=%s err=%v", click.NotificationID, err)
	}
	if click.Action != ActionExplore {
		return
	}
	if err := b.notifier.OpenWindow(ctx, rootDocument); err != nil {
		b.logger.Printf("edge: open window failed url=%s err=%v", rootDocument, err)
	}
}

// BuildNotification fills the fixed presentation around payload.
func BuildNotification(notificationID string, payload PushPayload, arrived time.Time) Notification {
	return Notification{
		ID:      notificationID,
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    notificationIcon,
		Badge:   notificationBadge,
		Vibrate: append([]int(nil), vibratePattern...),
		Data: NotificationData{
			DateOfArrival: arrived.UnixMilli(),
			PrimaryKey:    payload.PrimaryKey,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View", Icon: actionIcon},
			{Action: ActionClose, Title: "Close", Icon: actionIcon},
		},
	}
}
