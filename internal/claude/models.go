package claude

// Model is an upstream model identifier. The set is closed; upstream rejects
// anything else with an inline "Invalid model" error.
type Model string

const (
	ModelSonnet   Model = "claude-3-sonnet-20240229"
	ModelHaiku    Model = "claude-3-haiku-20240307"
	ModelOpus     Model = "claude-3-opus-20240229"
	ModelSonnet35 Model = "claude-3-5-sonnet-20240620"
)

// AllModels lists every model the gateway accepts, in menu order.
func AllModels() []Model {
	return []Model{ModelSonnet, ModelHaiku, ModelOpus, ModelSonnet35}
}

// IsKnown reports whether m is one of the served models.
func (m Model) IsKnown() bool {
	switch m {
	case ModelSonnet, ModelHaiku, ModelOpus, ModelSonnet35:
		return true
	}
	return false
}

// IsPlus reports whether the model requires a plus credential.
func (m Model) IsPlus() bool {
	switch m {
	case ModelOpus, ModelHaiku, ModelSonnet35:
		return true
	}
	return false
}

// IsBasic reports whether the model is servable on a basic credential.
func (m Model) IsBasic() bool {
	return m == ModelSonnet
}

// TierModels returns the models whose cooldowns are tracked per credential
// of the given tier. Basic accounts only ever cool down on their default
// model; plus accounts track opus and sonnet independently.
func TierModels(tier string) []Model {
	if tier == "plus" {
		return []Model{ModelOpus, ModelSonnet35}
	}
	return []Model{ModelSonnet35}
}
