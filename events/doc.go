// Package events provides the in-process event bus connecting the
// resilience components to the telemetry reporter.
//
// Components publish typed events (retry attempts, breaker state changes,
// dead letter additions) without knowing who consumes them. Subscribers
// receive events on buffered channels; a subscriber that falls behind
// misses events rather than slowing down the publishing call path.
package events
