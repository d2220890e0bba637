// Package retry executes fallible operations with bounded retries and
// exponential backoff.
//
// A Policy is supplied per call and controls the retry budget, the delay
// schedule (initial delay, backoff factor, cap, optional ±25% jitter) and
// which error kinds are eligible for retry. Inter-attempt sleeps are
// cancellable through the call's context, so a surrounding timeout or
// shutdown aborts an in-flight retry sequence without leaking a timer.
//
// Panics raised inside an operation are captured and normalized into a
// *PanicError; nothing a caller-supplied operation does can crash the
// executor.
package retry
