package collab

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestIdentityStable(t *testing.T) {
	store := NewMemoryStore()

	identity := NewIdentityStore(store).GetOrCreate("ana")
	assert.NotEqual(t, Id{}, identity.Id)
	assert.Equal(t, "ana", identity.Name)
	assert.Equal(t, true, identity.Secure)

	// a reload sees the same id
	reloaded := NewIdentityStore(store).GetOrCreate("ana")
	assert.Equal(t, identity.Id, reloaded.Id)
}

func TestIdentityFreshWhenAbsent(t *testing.T) {
	first := NewIdentityStore(NewMemoryStore()).GetOrCreate("ana")
	second := NewIdentityStore(NewMemoryStore()).GetOrCreate("ana")
	assert.NotEqual(t, first.Id, second.Id)
}

func TestIdentityRename(t *testing.T) {
	store := NewMemoryStore()

	identityStore := NewIdentityStore(store)
	identity := identityStore.GetOrCreate("ana")
	identityStore.SetName("ana2")
	assert.Equal(t, "ana2", identity.Name)

	reloaded := NewIdentityStore(store).GetOrCreate("")
	assert.Equal(t, identity.Id, reloaded.Id)
	assert.Equal(t, "ana2", reloaded.Name)
}

func testSessionToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	assert.Equal(t, nil, err)
	return token
}

func TestParseSessionTokenUnverified(t *testing.T) {
	userId, _ := NewClientId()
	token := testSessionToken(t, gojwt.MapClaims{
		"user_id":   userId.String(),
		"user_name": "ana",
	})

	sessionToken, err := ParseSessionTokenUnverified(token)
	assert.Equal(t, nil, err)
	assert.Equal(t, userId, sessionToken.UserId)
	assert.Equal(t, "ana", sessionToken.UserName)
}

func TestParseSessionTokenMissingClaims(t *testing.T) {
	token := testSessionToken(t, gojwt.MapClaims{
		"user_name": "ana",
	})
	_, err := ParseSessionTokenUnverified(token)
	assert.NotEqual(t, nil, err)

	_, err = ParseSessionTokenUnverified("not a token")
	assert.NotEqual(t, nil, err)
}

func TestAdoptSessionToken(t *testing.T) {
	store := NewMemoryStore()
	identityStore := NewIdentityStore(store)
	identity := identityStore.GetOrCreate("ana")
	originalId := identity.Id

	userId, _ := NewClientId()
	token := testSessionToken(t, gojwt.MapClaims{
		"user_id":   userId.String(),
		"user_name": "ana-prime",
	})
	err := identityStore.AdoptSessionToken(token)
	assert.Equal(t, nil, err)

	// the existing identity is rebound in place
	assert.NotEqual(t, originalId, identity.Id)
	assert.Equal(t, userId, identity.Id)
	assert.Equal(t, "ana-prime", identity.Name)

	// and the adoption persists
	reloaded := NewIdentityStore(store).GetOrCreate("")
	assert.Equal(t, userId, reloaded.Id)
}
