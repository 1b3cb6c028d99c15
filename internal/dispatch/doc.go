// Package dispatch delivers paid jobs to agent backends.
//
// It contains the HTTP client that calls {endpoint}/execute with an
// idempotency key, the queue used to hand confirmed jobs to dispatch workers
// (in-memory, Redis or RabbitMQ) and the guard that keeps a job from being
// dispatched by two workers at once.
package dispatch
