package collab

import "collabcore/backend/internal/ot"

// Buffer is the document content held by a sequencer. Offsets are rune
// offsets throughout.
type Buffer interface {
	Len() int
	Apply(op ot.Operation) error
	String() string
}
