package events

// SubscriptionChanged is published whenever a device's subscription state
// for a podcast actually changed. Redundant subscribes within a sync group
// do not produce an event.
type SubscriptionChanged struct {
	UserID     string
	ClientID   string
	PodcastID  int64
	RefURL     string
	Subscribed bool
}
