// Package subscription implements the Subscription Registry.
//
// The registry provides channel-scoped publish/subscribe over inbound
// traffic. It follows a live-subscription model: messages for channels with no
// listeners are dropped, never buffered.
package subscription
