// Package channel defines the closed sets of notification channels and
// adapter implementations known to notivox, plus the naming rules used for
// their queues, workers and jobs.
package channel

import "strings"

// Name identifies a notification channel. It determines the queue a job
// lands on and the payload shape carried by that job.
type Name string

const (
	Email Name = "email"
	SMS   Name = "sms"
	Push  Name = "push"
)

// Known returns every channel a queue coordinator provisions a queue for.
func Known() []Name { return []Name{Email, SMS, Push} }

// Valid reports whether n is one of the known channels.
func (n Name) Valid() bool {
	switch n {
	case Email, SMS, Push:
		return true
	default:
		return false
	}
}

func (n Name) String() string { return string(n) }

// QueueName is the broker queue backing this channel.
func (n Name) QueueName() string { return string(n) + "-queue" }

// WorkerName is the name of the single worker allowed for this channel.
func (n Name) WorkerName() string { return string(n) + "-worker" }

// JobName is the broker job name used for records on this channel.
func (n Name) JobName() string { return string(n) + "-job" }

// AdapterName identifies a concrete adapter implementation. Several adapters
// may serve the same channel.
type AdapterName string

const (
	Nodemailer AdapterName = "nodemailer"
	Twilio     AdapterName = "twilio"
	Firebase   AdapterName = "firebase"
)

// KnownAdapters lists every adapter name the hub understands.
func KnownAdapters() []AdapterName { return []AdapterName{Nodemailer, Twilio, Firebase} }

// Channel returns the channel served by the adapter and false for names
// outside the known set.
func (a AdapterName) Channel() (Name, bool) {
	switch a {
	case Nodemailer:
		return Email, true
	case Twilio:
		return SMS, true
	case Firebase:
		return Push, true
	default:
		return "", false
	}
}

func (a AdapterName) String() string { return string(a) }

// ParseAdapterName normalizes user input (CLI flags, config keys).
func ParseAdapterName(raw string) AdapterName {
	return AdapterName(strings.ToLower(strings.TrimSpace(raw)))
}
