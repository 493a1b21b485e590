// Package session owns the process-wide Session singleton: identity
// claim, presence row lifecycle, and the guaranteed-release Close hook.
package session
