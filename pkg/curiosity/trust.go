package curiosity

const (
	// longMessageChars is the length past which a message counts as
	// substantive engagement.
	longMessageChars = 100

	longMessageBonus  = 0.2
	personalInfoBonus = 0.5
)

// TrustDelta returns the trust increase earned by a single user turn:
// a small bump for an engaged (long) message and a larger one for sharing
// personal information, cumulative. The caller clamps via the profile store.
func TrustDelta(messageLen int, sharedPersonalInfo bool) float64 {
	var d float64
	if messageLen > longMessageChars {
		d += longMessageBonus
	}
	if sharedPersonalInfo {
		d += personalInfoBonus
	}
	return d
}
