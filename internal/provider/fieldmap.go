package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stoneforge/stoneforge/internal/types"
)

// Transform names the conversion applied to one field when crossing the
// provider boundary. The set is closed: configs naming anything else are
// rejected at load time rather than falling back to identity.
type Transform string

// Transform constants
const (
	// TransformIdentity passes the value through unchanged.
	TransformIdentity Transform = "identity"
	// TransformLabelsAsSet treats labels as an unordered, deduplicated set.
	TransformLabelsAsSet Transform = "labels-as-set"
	// TransformPriorityRemap maps normalized priority 1..5 through the
	// provider's priority table, falling back to the label convention for
	// providers with no native priority.
	TransformPriorityRemap Transform = "priority-remap"
	// TransformStateRemap maps provider states through the config's state
	// table onto open/closed.
	TransformStateRemap Transform = "state-remap"
)

// IsValid checks if the transform name is one of the closed set.
func (t Transform) IsValid() bool {
	switch t {
	case TransformIdentity, TransformLabelsAsSet, TransformPriorityRemap, TransformStateRemap:
		return true
	}
	return false
}

// TaskFieldMapConfig declares how a provider's task fields map onto the
// normalized shape. Adapters return one from FieldMapConfig; the sync engine
// applies it symmetrically in both directions.
type TaskFieldMapConfig struct {
	// Transforms assigns a transform to each mapped field. Fields not listed
	// get identity.
	Transforms map[string]Transform `json:"transforms,omitempty" yaml:"transforms,omitempty"`

	// StateMap translates provider-native states to open/closed for the
	// state-remap transform (e.g., "done" -> "closed").
	StateMap map[string]string `json:"state_map,omitempty" yaml:"state_map,omitempty"`

	// PriorityLabelPrefix is the label convention for providers without
	// native priority: a label "<prefix><n>" encodes priority n.
	PriorityLabelPrefix string `json:"priority_label_prefix,omitempty" yaml:"priority_label_prefix,omitempty"`
}

// Validate rejects unknown transform names and malformed state maps.
func (c TaskFieldMapConfig) Validate() error {
	for field, tr := range c.Transforms {
		if !tr.IsValid() {
			return types.E(types.KindInvalidInput, "field %q names unknown transform %q", field, tr)
		}
	}
	for from, to := range c.StateMap {
		if to != StateOpen && to != StateClosed {
			return types.E(types.KindInvalidInput, "state map %q -> %q: target must be open or closed", from, to)
		}
	}
	return nil
}

// TransformFor returns the transform assigned to a field, defaulting to
// identity.
func (c TaskFieldMapConfig) TransformFor(field string) Transform {
	if tr, ok := c.Transforms[field]; ok {
		return tr
	}
	return TransformIdentity
}

// NormalizeState maps a provider-native state onto open/closed using the
// state table when the state field carries the state-remap transform.
func (c TaskFieldMapConfig) NormalizeState(state string) (string, error) {
	if c.TransformFor("state") != TransformStateRemap {
		if state != StateOpen && state != StateClosed {
			return "", types.E(types.KindInvalidInput, "state %q is not open or closed", state)
		}
		return state, nil
	}
	if mapped, ok := c.StateMap[state]; ok {
		return mapped, nil
	}
	return "", types.E(types.KindInvalidInput, "state %q has no mapping", state)
}

// PriorityFromLabels recovers a normalized priority from the label
// convention. Returns 0 when no priority label is present.
func (c TaskFieldMapConfig) PriorityFromLabels(labels []string) int {
	if c.PriorityLabelPrefix == "" {
		return 0
	}
	for _, l := range labels {
		if !strings.HasPrefix(l, c.PriorityLabelPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(l, c.PriorityLabelPrefix))
		if err == nil && n >= 1 && n <= 5 {
			return n
		}
	}
	return 0
}

// PriorityLabel encodes a normalized priority as a label, for providers
// using the label convention. Returns "" for priority 0.
func (c TaskFieldMapConfig) PriorityLabel(priority int) string {
	if c.PriorityLabelPrefix == "" || priority < 1 || priority > 5 {
		return ""
	}
	return fmt.Sprintf("%s%d", c.PriorityLabelPrefix, priority)
}
