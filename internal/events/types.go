package events

// Event enumerates topics published inside the agent.
type Event string

const (
	EventOrderUpdate  Event = "order.update"
	EventOrderFill    Event = "order.fill"
	EventFeedState    Event = "feed.state"
	EventReconciled   Event = "reconcile.done"
	EventSpreadCancel Event = "risk.spread_cancel"
)
