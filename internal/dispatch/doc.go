// Package dispatch drains the outbox with a fixed pool of workers.
//
// Each job kind maps to a Route: Run performs the work for one deployment,
// Exhausted records the failure once the job's attempts are spent. A Run
// error schedules a retry with exponential backoff:
//
//	delay = min(backoff_base * 2^(attempt-1), backoff_max)
//
// Claims use an atomic UPDATE ... RETURNING, so two workers never hold the
// same job. A job interrupted by shutdown stays running and is requeued by
// the scheduler's startup recovery.
package dispatch
