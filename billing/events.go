package billing

import (
	"time"

	"github.com/code-payments/flipchat-billing/event"
)

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventPurchaseFinished
	EventInventoryQueried
	EventConsumed
	EventDisposed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventPurchaseFinished:
		return "purchase_finished"
	case EventInventoryQueried:
		return "inventory_queried"
	case EventConsumed:
		return "consumed"
	case EventDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Event describes a session lifecycle change. Events are keyed on the bus by
// package name.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	Response Response
	Sku      string
	Skus     []string
}

type EventBus = event.Bus[string, Event]

func NewEventBus() *EventBus {
	return event.NewBus[string, Event]()
}
