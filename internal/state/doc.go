// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/agentstream/internal/types"

// Compile-time interface compliance checks.
var _ types.FrameStore = (*FrameLog)(nil)
