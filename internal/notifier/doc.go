// Package notifier delivers short messages to chat groups.
//
// A Service holds an ordered list of channels (the Telegram bot first, then
// any configured webhooks). Each channel has a primary and a fallback send
// method. A message counts as delivered as soon as one method of one
// channel succeeds; Send fails only when every channel failed.
//
// Outgoing sends share one token bucket so bursts of rank changes do not
// trip the platform's flood limits.
package notifier
