package types

// Effect reports what applying an event did, for the session to act on.
type Effect uint8

const (
	// EffectChanged means visible state changed.
	EffectChanged Effect = 1 << iota
	// EffectYield means the agent handed control back to the user: the
	// turn closes and active agents are cleared.
	EffectYield
	// EffectFatal means the backend reported an error. It implies a yield
	// and is also recorded as the workflow error.
	EffectFatal
)

// Has reports whether every bit of f is set in e.
func (e Effect) Has(f Effect) bool {
	return e&f == f
}

// Closes reports whether e ends the current turn.
func (e Effect) Closes() bool {
	return e&(EffectYield|EffectFatal) != 0
}
