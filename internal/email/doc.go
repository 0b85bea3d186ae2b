// Package email is the email channel adapter.
//
// An Adapter delivers SendOptions through a Transport. It is built with one
// of two strategies: direct, where Send waits for the transport, or queued,
// where Send returns once a job record is accepted by the queue coordinator
// and the channel worker delivers later through the same direct routine.
package email
