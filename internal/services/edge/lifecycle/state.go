// Package lifecycle drives one cache version through install, activation and
// request serving.
//
// A Controller is an actor: every lifecycle event enters one mailbox and is
// routed through a fixed table of handlers. Install and activate run on the
// actor loop itself, so state transitions are serialized. Fetch, sync, push
// and notification-click events are handed off to their own goroutines and
// may run concurrently once the controller is serving.
package lifecycle

// State is the controller lifecycle position.
type State int

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateServing
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateServing:
		return "serving"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// EventType names a lifecycle trigger.
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventSync              EventType = "sync"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
)
