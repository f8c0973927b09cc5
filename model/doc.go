// Package model defines the provider agnostic text generation interface used
// by opsmesh where a language model takes part in a decision, such as the
// automated approver in package approval.
//
// Providers live in sub-packages (anthropic, openai) and implement Model so
// callers stay decoupled from vendor SDKs. MockModel serves tests and dry
// runs.
package model
