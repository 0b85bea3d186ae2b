// Package logx is notivox's structured logging on top of zerolog.
//
// Logger is a small value type passed to every component. A Logger built
// from a Service follows Service.Apply, so sinks and levels can change while
// the daemon runs. Sinks:
//   - console, human readable with a short caller
//   - file, one JSON object per line
//   - alerts, rate limited and deduplicated lines for an operator chat
package logx
