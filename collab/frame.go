package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel wire format. Every frame is a json envelope with a `type`
// discriminator and a type-specific `data` payload. Decoding fails closed:
// an unknown type or an undecodable payload is a MalformedFrameError and
// never reaches dispatch.

const (
	FrameTypeTextChange   = "text_change"
	FrameTypeUserPresence = "user_presence"
	FrameTypeStatsUpdate  = "stats_update"
	FrameTypeUserUpdate   = "user_update"
)

const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

type frameEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TextChangeFrame struct {
	DocumentId string `json:"documentId"`
	ChangeType string `json:"changeType"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
	Length     int    `json:"length"`
	UserId     string `json:"userID"`
	UserName   string `json:"userName"`
	ChangeId   string `json:"changeID,omitempty"`
}

type UserPresenceFrame struct {
	UserId   string `json:"userID"`
	UserName string `json:"userName"`
	Status   string `json:"status"`
}

type StatsUpdateFrame struct {
	TotalEdits  int `json:"total_edits"`
	UniqueUsers int `json:"unique_users"`
	OnlineCount int `json:"online_count"`
}

type UserUpdateFrame struct {
	Name string `json:"name"`
}

func DecodeFrame(message []byte) (any, error) {
	var envelope frameEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, &MalformedFrameError{Err: err}
	}

	var data any
	switch envelope.Type {
	case FrameTypeTextChange:
		data = &TextChangeFrame{}
	case FrameTypeUserPresence:
		data = &UserPresenceFrame{}
	case FrameTypeStatsUpdate:
		data = &StatsUpdateFrame{}
	case FrameTypeUserUpdate:
		data = &UserUpdateFrame{}
	default:
		return nil, &MalformedFrameError{
			FrameType: envelope.Type,
			Err:       fmt.Errorf("unknown frame type"),
		}
	}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		return nil, &MalformedFrameError{
			FrameType: envelope.Type,
			Err:       err,
		}
	}
	return data, nil
}

func encodeFrame(frameType string, data any) ([]byte, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&frameEnvelope{
		Type: frameType,
		Data: dataBytes,
	})
}

func EncodeTextChangeFrame(change *Change) ([]byte, error) {
	return encodeFrame(FrameTypeTextChange, &TextChangeFrame{
		DocumentId: change.DocumentId.String(),
		ChangeType: change.ChangeType,
		Content:    change.Content,
		Position:   change.Position,
		Length:     change.Length,
		UserId:     change.UserId.String(),
		UserName:   change.UserName,
		ChangeId:   change.Id.String(),
	})
}

func EncodeUserUpdateFrame(name string) ([]byte, error) {
	return encodeFrame(FrameTypeUserUpdate, &UserUpdateFrame{
		Name: name,
	})
}

// ToChange converts an inbound frame into an engine change. Ids that do
// not parse start zero rather than failing the frame; a missing change id
// gets a fresh one, which weakens dedup for that sender but keeps the
// patch applicable.
func (self *TextChangeFrame) ToChange() *Change {
	change := &Change{
		ChangeType: self.ChangeType,
		Content:    self.Content,
		Position:   self.Position,
		Length:     self.Length,
		UserName:   self.UserName,
		Timestamp:  time.Now(),
	}
	if documentId, err := ParseId(self.DocumentId); err == nil {
		change.DocumentId = documentId
	}
	if userId, err := ParseId(self.UserId); err == nil {
		change.UserId = userId
	}
	if changeId, err := ParseId(self.ChangeId); err == nil {
		change.Id = changeId
	} else {
		change.Id = NewId()
	}
	return change
}
