package collab

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

const ChangeHistoryLimit = 50

type User struct {
	Id     Id
	Name   string
	Status string
}

type Stats struct {
	TotalEdits  int `json:"total_edits"`
	UniqueUsers int `json:"unique_users"`
	OnlineCount int `json:"online_count"`
}

type ChangeFunction = func(change *Change, content string)

// DocumentState is the single source of truth for document content on
// this client. All mutation flows through ApplyLocal and ApplyRemote,
// serialized by one mutex so two applies can never interleave.
//
// Positions are raw rune offsets. No transformation of concurrent remote
// offsets against locally-applied-but-unacknowledged edits is performed:
// two near-simultaneous edits at overlapping regions can interleave
// incorrectly. That is the accepted trade-off of the position/length
// model, kept as-is on purpose.
type DocumentState struct {
	documentId  Id
	localUserId Id

	mutex       sync.Mutex
	content     []rune
	history     []*Change
	onlineUsers map[Id]*User
	stats       Stats
	dedup       *dedupWindow

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewDocumentState(documentId Id, localUserId Id) *DocumentState {
	return &DocumentState{
		documentId:      documentId,
		localUserId:     localUserId,
		onlineUsers:     map[Id]*User{},
		dedup:           newDedupWindow(),
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *DocumentState) DocumentId() Id {
	return self.documentId
}

// SetLocalUser rebinds echo suppression to a new local user id, for when
// the identity is replaced by a session token after construction.
func (self *DocumentState) SetLocalUser(userId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.localUserId = userId
}

// AddChangeCallback registers an observer for every applied change.
// The returned function removes it.
func (self *DocumentState) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// SetContent replaces the buffer wholesale. Used once at session start
// when the authoritative copy is fetched.
func (self *DocumentState) SetContent(content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.content = []rune(content)
}

func (self *DocumentState) Content() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return string(self.content)
}

// ApplyLocal mutates the buffer with the caller's own change. Offsets are
// clamped; only an unrecognized change type is rejected. The change id is
// recorded in the dedup window so the broadcast echo has a second line of
// defense beyond user-id equality.
func (self *DocumentState) ApplyLocal(change *Change) (string, error) {
	self.mutex.Lock()
	if err := self.applyChange(change); err != nil {
		content := string(self.content)
		self.mutex.Unlock()
		return content, err
	}
	self.dedup.Observe(change.Id)
	self.recordChange(change)
	content := string(self.content)
	self.mutex.Unlock()

	self.notifyChange(change, content)
	return content, nil
}

// ApplyRemote folds in a change received over the channel. A change that
// was already seen, or that this client authored (the broadcast echo of
// its own edit), is a no-op: applied is false and the buffer stands.
func (self *DocumentState) ApplyRemote(change *Change) (string, bool) {
	self.mutex.Lock()
	if !self.dedup.Observe(change.Id) {
		content := string(self.content)
		self.mutex.Unlock()
		glog.V(2).Infof("[doc]duplicate change %s\n", change.Id)
		return content, false
	}
	if change.UserId == self.localUserId {
		// echo of our own edit, already applied optimistically
		content := string(self.content)
		self.mutex.Unlock()
		glog.V(2).Infof("[doc]echo change %s\n", change.Id)
		return content, false
	}
	if err := self.applyChange(change); err != nil {
		content := string(self.content)
		self.mutex.Unlock()
		glog.Infof("[doc]drop remote change %s = %s\n", change.Id, err)
		return content, false
	}
	self.recordChange(change)
	content := string(self.content)
	self.mutex.Unlock()

	self.notifyChange(change, content)
	return content, true
}

func (self *DocumentState) applyChange(change *Change) error {
	switch change.ChangeType {
	case ChangeTypeInsert:
		self.splice(change.Position, 0, change.Content)
	case ChangeTypeDelete:
		self.splice(change.Position, change.Length, "")
	case ChangeTypeReplace:
		self.splice(change.Position, change.Length, change.Content)
	default:
		return newInvalidChange("unknown change type %q", change.ChangeType)
	}
	return nil
}

// splice removes length runes at position and inserts content there.
// Position and length are clamped to the current buffer bounds, never an
// error: the patch may have been computed against a stale buffer.
func (self *DocumentState) splice(position int, length int, content string) {
	n := len(self.content)
	if position < 0 {
		position = 0
	}
	if n < position {
		position = n
	}
	end := position + length
	if end < position || n < end {
		end = n
	}

	insert := []rune(content)
	next := make([]rune, 0, position+len(insert)+(n-end))
	next = append(next, self.content[0:position]...)
	next = append(next, insert...)
	next = append(next, self.content[end:n]...)
	self.content = next
}

// recordChange prepends to the capped most-recent-first history.
func (self *DocumentState) recordChange(change *Change) {
	history := make([]*Change, 0, len(self.history)+1)
	history = append(history, change)
	history = append(history, self.history...)
	if ChangeHistoryLimit < len(history) {
		history = history[0:ChangeHistoryLimit]
	}
	self.history = history
}

func (self *DocumentState) notifyChange(change *Change, content string) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(change, content)
		}()
	}
}

// SeedHistory loads previously journaled changes, most recent first,
// without touching the buffer.
func (self *DocumentState) SeedHistory(changes []*Change) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i := len(changes) - 1; 0 <= i; i -= 1 {
		self.dedup.Observe(changes[i].Id)
		self.recordChange(changes[i])
	}
}

// RecentChanges returns the history, most recent first.
func (self *DocumentState) RecentChanges() []*Change {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	changes := make([]*Change, len(self.history))
	copy(changes, self.history)
	return changes
}

func (self *DocumentState) AddOnlineUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.onlineUsers[user.Id] = user
}

func (self *DocumentState) RemoveOnlineUser(userId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.onlineUsers, userId)
}

func (self *DocumentState) OnlineUsers() []*User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.onlineUsers)
}

func (self *DocumentState) SetStats(stats Stats) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.stats = stats
}

func (self *DocumentState) Stats() Stats {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.stats
}
