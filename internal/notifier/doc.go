// Package notifier forwards highlighted messages to an operator chat.
//
// Delivery is asynchronous: a bounded queue feeds a worker pool that is rate
// limited (token bucket), retries with jittered exponential backoff, and
// suppresses duplicates inside a dedup window. Dedup state can be persisted in
// storage so a restart does not resend.
package notifier
