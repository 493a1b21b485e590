// Package identity claims a three-digit agent id under race, scanning
// 001..999 in order so the lowest free slot is taken and the Leader
// (smallest online id, see pkg/heartbeat) is well defined.
package identity
