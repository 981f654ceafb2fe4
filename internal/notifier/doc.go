// Package notifier delivers operator alerts about failing jobs.
//
// Alerts are small structured messages (job id, status, error) built from
// runner events on the event bus. They go through an async pipeline: a
// bounded queue, a worker pool, a token-bucket rate limit, retry with
// exponential backoff and a dedup window so a job failing every minute does
// not page every minute.
//
// # Transport
//
// Delivery is delegated to a Sender. The built-in WebhookSender POSTs JSON
// to an HTTP endpoint behind a circuit breaker, so an endpoint that is down
// fails fast instead of tying up workers.
//
// # History
//
// The service keeps a small in-memory history of delivered alerts for
// diagnostics.
package notifier
