// Package auction implements the bid admission controller, the anti-snipe
// deadline policy, and the background closer that finalizes expired auctions.
package auction

import "time"

// ExtendPolicy is the anti-snipe deadline policy. A bid accepted inside the
// trailing Window before the deadline pushes the deadline to the accepting
// moment plus Amount. The deadline never moves backwards.
type ExtendPolicy struct {
	// Window is the trailing span before the deadline inside which an
	// accepted bid triggers an extension.
	Window time.Duration
	// Amount is how far past the accepting moment the deadline moves.
	Amount time.Duration
}

// Apply returns the deadline that should hold after a bid accepted at now,
// and whether that represents an extension. With a zero Window the policy is
// disabled and the deadline is returned unchanged.
func (p ExtendPolicy) Apply(now, deadline time.Time) (time.Time, bool) {
	if p.Window <= 0 {
		return deadline, false
	}
	if now.Before(deadline.Add(-p.Window)) {
		return deadline, false
	}
	extended := now.Add(p.Amount)
	if extended.Before(deadline) {
		return deadline, false
	}
	return extended, true
}
