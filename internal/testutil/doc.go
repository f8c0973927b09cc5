// Package testutil contains fakes and builders used across tests to reduce
// boilerplate when wiring agents: a recording parent reference, a scripted
// handler and a fluent task builder. They are not intended for production
// usage.
package testutil
