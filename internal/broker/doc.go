// Package broker is notivox's job broker: named queues with at-least-once
// delivery, attempt accounting, backoff and a worker that drains a queue
// with bounded concurrency.
//
// # Drivers
//
// The same Queue/Worker API runs over several stores, chosen by Config.Driver:
//   - "memory": process-local, lost on exit (tests, single-shot CLI runs)
//   - "redis": lists + hashes, shared between processes
//   - "sqlite": a single jobs table, durable across restarts of one process
//   - "amqp": a durable RabbitMQ queue per broker queue
//
// # Retries
//
// A job is attempted up to JobOptions.Attempts times. Processors can wrap a
// permanent failure with NoRetry to fail the job immediately, or with
// RetryAfter to override the backoff for the next attempt.
package broker
