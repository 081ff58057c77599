package collab

import (
	"fmt"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ClientIdentity is the stable per-client identity. The id survives
// reconnects and restarts so self-authored broadcast echoes can be
// recognized by equality, not by timing.
type ClientIdentity struct {
	Id     Id
	Name   string
	Status string
	// Secure is false when the id came from the non-crypto fallback
	// generator and uniqueness is not guaranteed.
	Secure bool
}

type IdentityStore struct {
	mutex    sync.Mutex
	store    LocalStore
	identity *ClientIdentity
}

func NewIdentityStore(store LocalStore) *IdentityStore {
	return &IdentityStore{
		store: store,
	}
}

// GetOrCreate returns the persisted identity, generating and persisting a
// fresh one on first use or when the persisted state is unreadable.
func (self *IdentityStore) GetOrCreate(name string) *ClientIdentity {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.identity != nil {
		return self.identity
	}

	identity, err := self.store.ClientIdentity()
	if err != nil {
		glog.Infof("[id]load error = %s\n", err)
		identity = nil
	}
	if identity == nil {
		id, secure := NewClientId()
		if !secure {
			glog.Warningf("[id]secure random unavailable, client id %s is not guaranteed unique\n", id)
		}
		identity = &ClientIdentity{
			Id:     id,
			Name:   name,
			Status: StatusOffline,
			Secure: secure,
		}
		if err := self.store.SetClientIdentity(identity); err != nil {
			glog.Infof("[id]persist error = %s\n", err)
		}
	}
	if name != "" && identity.Name != name {
		identity.Name = name
		if err := self.store.SetClientIdentity(identity); err != nil {
			glog.Infof("[id]persist error = %s\n", err)
		}
	}

	self.identity = identity
	return identity
}

// SetName renames the identity and persists the new name.
func (self *IdentityStore) SetName(name string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.identity == nil || self.identity.Name == name {
		return
	}
	self.identity.Name = name
	if err := self.store.SetClientIdentity(self.identity); err != nil {
		glog.Infof("[id]persist error = %s\n", err)
	}
}

// AdoptSessionToken replaces the identity with the claims of a
// service-issued session token, so the same client id is shared across
// devices logged into the same account.
func (self *IdentityStore) AdoptSessionToken(token string) error {
	sessionToken, err := ParseSessionTokenUnverified(token)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.identity == nil {
		self.identity = &ClientIdentity{
			Status: StatusOffline,
		}
	}
	// mutate in place so holders of the identity see the new id
	self.identity.Id = sessionToken.UserId
	if sessionToken.UserName != "" {
		self.identity.Name = sessionToken.UserName
	}
	self.identity.Secure = true
	if err := self.store.SetClientIdentity(self.identity); err != nil {
		glog.Infof("[id]persist error = %s\n", err)
	}
	return nil
}

// SessionToken is the subset of claims the engine needs from a
// service-issued token.
type SessionToken struct {
	UserId   Id
	UserName string
}

// ParseSessionTokenUnverified extracts identity claims without signature
// verification. The document service is the enforcement point; the client
// only needs a stable id to recognize its own echoes.
func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("session token missing user_id claim")
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, err
	}
	sessionToken.UserId = userId
	if userName, ok := claims["user_name"].(string); ok {
		sessionToken.UserName = userName
	}
	return sessionToken, nil
}
