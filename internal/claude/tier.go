package claude

// Tier is the coarse capability level of a credential or tenant key.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPlus  Tier = "plus"
	TierTest  Tier = "test"

	// TierNormal is a legacy alias for basic that still arrives in requests
	// and persisted history keys.
	TierNormal Tier = "normal"
)

// Normalize collapses the legacy "normal" alias onto basic and treats any
// unknown value as basic, matching how requests have always been routed.
func (t Tier) Normalize() Tier {
	if t == TierPlus {
		return TierPlus
	}
	return TierBasic
}

// Valid reports whether t names a storable cookie tier.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierPlus, TierTest, TierNormal:
		return true
	}
	return false
}
