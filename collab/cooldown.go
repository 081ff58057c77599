package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// CooldownGate enforces a minimum interval between local edits. The
// window end is persisted so a restart cannot reset the limiter. The gate
// is advisory: the document service is the actual enforcement point and
// may still reject an edit the client believed was allowed.
type CooldownGate struct {
	store LocalStore

	mutex sync.Mutex
	end   time.Time
}

func NewCooldownGate(store LocalStore) *CooldownGate {
	end, err := store.CooldownEnd()
	if err != nil {
		glog.Infof("[cd]load error = %s\n", err)
		end = time.Time{}
	}
	if !end.IsZero() && end.Before(time.Now()) {
		// expired window, clean it up
		store.ClearCooldown()
		end = time.Time{}
	}
	return &CooldownGate{
		store: store,
		end:   end,
	}
}

func (self *CooldownGate) CanEdit() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.end.IsZero() || !time.Now().Before(self.end)
}

// Remaining is zero when no window is active.
func (self *CooldownGate) Remaining() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	remaining := time.Until(self.end)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (self *CooldownGate) StartCooldown(duration time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.end = time.Now().Add(duration)
	if err := self.store.SetCooldownEnd(self.end); err != nil {
		glog.Infof("[cd]persist error = %s\n", err)
	}
}

func (self *CooldownGate) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.end = time.Time{}
	if err := self.store.ClearCooldown(); err != nil {
		glog.Infof("[cd]persist error = %s\n", err)
	}
}
