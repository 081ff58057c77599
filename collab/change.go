package collab

import (
	"time"
)

const (
	ChangeTypeInsert  = "insert"
	ChangeTypeDelete  = "delete"
	ChangeTypeReplace = "replace"
)

// Change is one positional patch against the document buffer. Positions
// and lengths are rune offsets into the buffer as this client currently
// understands it. They are clamped at apply time because the patch may
// have been computed against a now-stale document length.
type Change struct {
	Id         Id
	DocumentId Id
	ChangeType string
	Position   int
	Length     int
	Content    string
	UserId     Id
	UserName   string
	Timestamp  time.Time
}

// Validate enforces the codec invariants before a change is applied or
// serialized for either transport.
func (self *Change) Validate() error {
	switch self.ChangeType {
	case ChangeTypeInsert:
		if self.Length != 0 {
			return newInvalidChange("insert requires length == 0, got %d", self.Length)
		}
	case ChangeTypeDelete:
		if self.Content != "" {
			return newInvalidChange("delete requires empty content")
		}
	case ChangeTypeReplace:
	default:
		return newInvalidChange("unknown change type %q", self.ChangeType)
	}
	if self.Position < 0 {
		return newInvalidChange("negative position %d", self.Position)
	}
	if self.Length < 0 {
		return newInvalidChange("negative length %d", self.Length)
	}
	return nil
}

// UpdateArgs produces the durable-write payload for the document service.
func (self *Change) UpdateArgs() *UpdateDocumentArgs {
	return &UpdateDocumentArgs{
		DocumentId: self.DocumentId,
		ChangeType: self.ChangeType,
		Content:    self.Content,
		Position:   self.Position,
		Length:     self.Length,
		UserId:     self.UserId,
		UserName:   self.UserName,
	}
}
