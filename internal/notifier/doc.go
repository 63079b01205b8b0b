// Package notifier delivers short reports to tenant owners.
//
// Reports are things like "broadcast #12 done: 480 sent, 3 failed" or a
// suspended-subscription warning. They are queued and sent by a small worker
// pool with a token-bucket rate limit, retry with jittered backoff and an
// in-memory dedup window so a flapping job does not spam its owner.
//
// # Transport
//
// Delivery goes through the tenant's own bot, resolved at send time via a
// Lookup function. A report for a tenant that is not running is dropped
// (and a notifier.failed event is published).
//
// The same pipeline backs the logx alert sink: error logs can be forwarded to
// an operator chat through one designated tenant bot.
package notifier
