package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type SessionSettings struct {
	// minimum interval between local edits. The service has shipped both
	// 10s and 30s; this is configuration, not logic.
	CooldownDuration time.Duration

	// empty disables the remote profanity pre-check. The service still
	// moderates asynchronously on its side either way.
	ProfanityCheckUrl string

	ChannelSettings *ChannelSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		CooldownDuration:  10 * time.Second,
		ProfanityCheckUrl: "",
		ChannelSettings:   DefaultChannelSettings(),
	}
}

// Session ties the engine together: one client identity, one document,
// one channel, one durable-write api. A local edit flows cooldown gate ->
// policy gate -> optimistic apply -> durable write + broadcast.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    LocalStore
	settings *SessionSettings

	identityStore *IdentityStore
	identity      *ClientIdentity
	document      *DocumentState
	api           *DocumentApi
	channel       *Channel
	cooldown      *CooldownGate
	profanity     *ProfanityClient
}

func NewSessionWithDefaults(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	documentId Id,
	userName string,
	store LocalStore,
) *Session {
	return NewSession(ctx, apiUrl, channelUrl, documentId, userName, store, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	documentId Id,
	userName string,
	store LocalStore,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	identityStore := NewIdentityStore(store)
	identity := identityStore.GetOrCreate(userName)
	document := NewDocumentState(documentId, identity.Id)

	session := &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		settings:      settings,
		identityStore: identityStore,
		identity:      identity,
		document:      document,
		api:           NewDocumentApiWithContext(cancelCtx, apiUrl),
		channel:       NewChannel(cancelCtx, channelUrl, identity, document, settings.ChannelSettings),
		cooldown:      NewCooldownGate(store),
	}
	if settings.ProfanityCheckUrl != "" {
		session.profanity = NewProfanityClient(cancelCtx, settings.ProfanityCheckUrl)
	}
	return session
}

func (self *Session) Identity() *ClientIdentity {
	return self.identity
}

func (self *Session) Document() *DocumentState {
	return self.document
}

func (self *Session) Channel() *Channel {
	return self.channel
}

func (self *Session) Api() *DocumentApi {
	return self.api
}

func (self *Session) Cooldown() *CooldownGate {
	return self.cooldown
}

// Start populates the document from the authoritative service, seeds the
// local history, and connects the channel. The content fetch is the one
// hard dependency; everything after it degrades gracefully.
func (self *Session) Start() error {
	result, err := self.api.GetDocumentSync(self.document.DocumentId())
	if err != nil {
		return &TransportUnavailableError{Op: "get document", Err: err}
	}
	self.document.SetContent(result.Content)

	if changesResult, err := self.api.GetChangesSync(self.document.DocumentId()); err == nil {
		changes := make([]*Change, 0, len(changesResult.Changes))
		for _, record := range changesResult.Changes {
			changes = append(changes, record.ToChange())
		}
		self.document.SeedHistory(changes)
	} else {
		glog.Infof("[session]get changes error = %s\n", err)
	}

	self.channel.Connect(self.identity.Name)
	return nil
}

// Edit performs one local edit end to end and returns the new content.
//
// The apply is optimistic: it happens before the durable write. A policy
// rejection therefore leaves the local buffer ahead of the authoritative
// copy until the next Start. That divergence is deliberate, matching the
// service's established behavior; it is logged, not rolled back.
func (self *Session) Edit(changeType string, position int, length int, content string) (string, error) {
	if !self.cooldown.CanEdit() {
		return self.document.Content(), &CooldownActiveError{
			Remaining: self.cooldown.Remaining(),
		}
	}

	change := &Change{
		Id:         NewId(),
		DocumentId: self.document.DocumentId(),
		ChangeType: changeType,
		Position:   position,
		Length:     length,
		Content:    content,
		UserId:     self.identity.Id,
		UserName:   self.identity.Name,
		Timestamp:  time.Now(),
	}
	if err := change.Validate(); err != nil {
		return self.document.Content(), err
	}

	if ContainsLinks(content) {
		return self.document.Content(), &PolicyRejectedError{Reason: PolicyReasonLink}
	}
	if self.profanity != nil && self.profanity.Check(content) {
		return self.document.Content(), &PolicyRejectedError{Reason: PolicyReasonProfanity}
	}

	newContent, err := self.document.ApplyLocal(change)
	if err != nil {
		return newContent, err
	}
	if err := self.store.AppendChange(change); err != nil {
		glog.V(1).Infof("[session]journal error = %s\n", err)
	}

	if _, err := self.api.UpdateDocumentSync(change.UpdateArgs()); err != nil {
		err = classifyUpdateError(err)
		if policyErr, ok := err.(*PolicyRejectedError); ok {
			// detected inconsistency: the optimistic apply stands
			glog.Infof("[session]edit %s rejected (%s), local state diverges until next refresh\n", change.Id, policyErr.Reason)
		} else {
			glog.Infof("[session]durable write failed = %s\n", err)
		}
		return newContent, err
	}

	self.channel.SendTextChange(change)
	self.cooldown.StartCooldown(self.settings.CooldownDuration)

	return newContent, nil
}

// Insert is Edit sugar for an insert patch.
func (self *Session) Insert(position int, content string) (string, error) {
	return self.Edit(ChangeTypeInsert, position, 0, content)
}

// Delete is Edit sugar for a delete patch.
func (self *Session) Delete(position int, length int) (string, error) {
	return self.Edit(ChangeTypeDelete, position, length, "")
}

// Replace is Edit sugar for a replace patch.
func (self *Session) Replace(position int, length int, content string) (string, error) {
	return self.Edit(ChangeTypeReplace, position, length, content)
}

// UpdateUserName renames the client locally, persists it, and announces
// it on the channel when open.
func (self *Session) UpdateUserName(name string) {
	if name == "" {
		return
	}
	self.identityStore.SetName(name)
	self.channel.UpdateUserName(name)
}

// AdoptSessionToken swaps the identity for the one in a service-issued
// token and forwards the token on future api calls.
func (self *Session) AdoptSessionToken(token string) error {
	if err := self.identityStore.AdoptSessionToken(token); err != nil {
		return fmt.Errorf("adopt session token: %w", err)
	}
	self.document.SetLocalUser(self.identity.Id)
	self.api.SetByJwt(token)
	return nil
}

// Close disconnects the channel and releases the session. The local store
// is owned by the caller and stays open.
func (self *Session) Close() {
	self.channel.Disconnect()
	self.api.Close()
	self.cancel()
}
