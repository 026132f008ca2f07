package types

import "regexp"

// IDPrefix is the prefix shared by every element id.
const IDPrefix = "el"

// idPattern matches the identifier grammar: el-[0-9a-z]{3,8} (lowercase base36).
var idPattern = regexp.MustCompile(`^el-[0-9a-z]{3,8}$`)

// ValidID reports whether the string satisfies the id grammar.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateID returns an INVALID_ID error unless the string satisfies the
// identifier grammar.
func ValidateID(id string) error {
	if !ValidID(id) {
		return E(KindInvalidID, "invalid element id %q (want el-[0-9a-z]{3,8})", id)
	}
	return nil
}

// Branded id subtypes. All share the element id grammar; the static kind
// documents intent at API boundaries.
type (
	// TaskID identifies a task element.
	TaskID string
	// DocumentID identifies a document element.
	DocumentID string
	// ChannelID identifies a channel element.
	ChannelID string
	// MessageID identifies a message element.
	MessageID string
	// WorkflowID identifies a workflow element.
	WorkflowID string
	// PlaybookID identifies a playbook element.
	PlaybookID string
	// EntityID identifies an entity (person or agent) element.
	EntityID string
)

// Valid reports whether the task id satisfies the grammar.
func (id TaskID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the document id satisfies the grammar.
func (id DocumentID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the channel id satisfies the grammar.
func (id ChannelID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the message id satisfies the grammar.
func (id MessageID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the workflow id satisfies the grammar.
func (id WorkflowID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the playbook id satisfies the grammar.
func (id PlaybookID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the entity id satisfies the grammar.
func (id EntityID) Valid() bool { return ValidID(string(id)) }
