package model

import "encoding/json"

// MomentumState is the tri-state lifecycle of a momentum value.
type MomentumState int

const (
	// MomentumNotAttempted means collection has never been attempted for the
	// series; clients render "Calc…".
	MomentumNotAttempted MomentumState = iota
	// MomentumInsufficient means collection was attempted but fewer than the
	// required completed candles exist; clients render "-".
	MomentumInsufficient
	// MomentumComputed carries numeric up/down percentages.
	MomentumComputed
)

// Momentum is the high-break / low-break statistic for one
// (exchange, symbol, timeframe). Up and Down are percentages in [0,100] and
// meaningful only when State == MomentumComputed.
type Momentum struct {
	State MomentumState
	Up    int
	Down  int
}

// Computed constructs a computed momentum value.
func Computed(up, down int) Momentum {
	return Momentum{State: MomentumComputed, Up: up, Down: down}
}

// IsNumber reports whether the value carries computed percentages.
func (m Momentum) IsNumber() bool { return m.State == MomentumComputed }

// WireUp maps the up side to its wire representation: a number, the "CALC"
// sentinel, or null. The tri-state maps to the wire only here, at the
// serialization boundary.
func (m Momentum) WireUp() json.RawMessage { return wireValue(m.State, m.Up) }

// WireDown maps the down side to its wire representation.
func (m Momentum) WireDown() json.RawMessage { return wireValue(m.State, m.Down) }

func wireValue(state MomentumState, v int) json.RawMessage {
	switch state {
	case MomentumComputed:
		b, _ := json.Marshal(v)
		return b
	case MomentumInsufficient:
		return json.RawMessage("null")
	default:
		return json.RawMessage(`"CALC"`)
	}
}

// momentumJSON is the persisted shape: numbers, null, or absent.
type momentumJSON struct {
	Up   *int `json:"up"`
	Down *int `json:"down"`
}

// MarshalJSON persists computed values as numbers and everything else as
// nulls; the NotAttempted state is not persisted (it is re-derived on load).
func (m Momentum) MarshalJSON() ([]byte, error) {
	if m.State != MomentumComputed {
		return []byte(`{"up":null,"down":null}`), nil
	}
	up, down := m.Up, m.Down
	return json.Marshal(momentumJSON{Up: &up, Down: &down})
}

// UnmarshalJSON restores a persisted momentum value.
func (m *Momentum) UnmarshalJSON(b []byte) error {
	var raw momentumJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Up == nil || raw.Down == nil {
		*m = Momentum{State: MomentumInsufficient}
		return nil
	}
	*m = Momentum{State: MomentumComputed, Up: *raw.Up, Down: *raw.Down}
	return nil
}
