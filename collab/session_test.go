package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// serviceHarness runs the document service surface the session talks to:
// the REST api and the broadcast channel.
type serviceHarness struct {
	server *httptest.Server

	mutex     sync.Mutex
	content   string
	updates   []*UpdateDocumentArgs
	updateErr string

	channels chan *websocket.Conn
}

func newServiceHarness(t *testing.T, content string) *serviceHarness {
	t.Helper()
	harness := &serviceHarness{
		content:  content,
		channels: make(chan *websocket.Conn, 8),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		harness.channels <- ws
	})
	mux.HandleFunc("/api/document/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			harness.mutex.Lock()
			content := harness.content
			harness.mutex.Unlock()
			json.NewEncoder(w).Encode(&GetDocumentResult{
				Id:      strings.TrimPrefix(r.URL.Path, "/api/document/"),
				Content: content,
			})
		case "PUT":
			args := &UpdateDocumentArgs{}
			if err := json.NewDecoder(r.Body).Decode(args); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			harness.mutex.Lock()
			harness.updates = append(harness.updates, args)
			updateErr := harness.updateErr
			harness.mutex.Unlock()
			if updateErr != "" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": updateErr})
				return
			}
			json.NewEncoder(w).Encode(&UpdateDocumentResult{})
		}
	})
	mux.HandleFunc("/api/changes/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&GetChangesResult{})
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&Stats{})
	})

	harness.server = httptest.NewServer(mux)
	t.Cleanup(harness.server.Close)
	return harness
}

func (self *serviceHarness) apiUrl() string {
	return self.server.URL
}

func (self *serviceHarness) wsUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/api/ws"
}

func (self *serviceHarness) setUpdateError(message string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.updateErr = message
}

func (self *serviceHarness) updateCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.updates)
}

func newTestSession(t *testing.T, harness *serviceHarness, settings *SessionSettings) *Session {
	t.Helper()
	session := NewSession(
		context.Background(),
		harness.apiUrl(),
		harness.wsUrl(),
		NewId(),
		"ana",
		NewMemoryStore(),
		settings,
	)
	t.Cleanup(session.Close)
	return session
}

func fastSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.CooldownDuration = 50 * time.Millisecond
	return settings
}

func TestSessionEditFlow(t *testing.T) {
	harness := newServiceHarness(t, "hello world")
	session := newTestSession(t, harness, fastSessionSettings())

	assert.Equal(t, nil, session.Start())
	assert.Equal(t, "hello world", session.Document().Content())

	ws := <-harness.channels
	assert.Equal(t, true, waitFor(t, 5*time.Second, func() bool {
		return session.Channel().State() == ChannelOpen
	}))

	content, err := session.Replace(0, 5, "howdy")
	assert.Equal(t, nil, err)
	assert.Equal(t, "howdy world", content)
	assert.Equal(t, "howdy world", session.Document().Content())

	// the edit reached the durable write
	assert.Equal(t, 1, harness.updateCount())
	harness.mutex.Lock()
	update := harness.updates[0]
	harness.mutex.Unlock()
	assert.Equal(t, ChangeTypeReplace, update.ChangeType)
	assert.Equal(t, "howdy", update.Content)
	assert.Equal(t, session.Identity().Id, update.UserId)

	// and the broadcast channel
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := ws.ReadMessage()
	assert.Equal(t, nil, err)
	data, err := DecodeFrame(message)
	assert.Equal(t, nil, err)
	frame, ok := data.(*TextChangeFrame)
	assert.Equal(t, true, ok)
	assert.Equal(t, "howdy", frame.Content)

	// the broadcast echo of our own change does not double apply
	assert.Equal(t, nil, ws.WriteMessage(websocket.TextMessage, message))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "howdy world", session.Document().Content())

	// recorded exactly once
	assert.Equal(t, 1, len(session.Document().RecentChanges()))
}

func TestSessionCooldown(t *testing.T) {
	harness := newServiceHarness(t, "hello")
	session := newTestSession(t, harness, fastSessionSettings())
	assert.Equal(t, nil, session.Start())

	_, err := session.Insert(5, "!")
	assert.Equal(t, nil, err)

	// the gate rejects an immediate second edit
	_, err = session.Insert(6, "!")
	cooldownErr, ok := err.(*CooldownActiveError)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, 0 < cooldownErr.Remaining)
	assert.Equal(t, 1, harness.updateCount())

	// and allows it after the window passes
	assert.Equal(t, true, waitFor(t, 5*time.Second, session.Cooldown().CanEdit))
	_, err = session.Insert(6, "!")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, harness.updateCount())
}

func TestSessionLocalLinkGate(t *testing.T) {
	harness := newServiceHarness(t, "hello")
	session := newTestSession(t, harness, fastSessionSettings())
	assert.Equal(t, nil, session.Start())

	_, err := session.Insert(0, "see https://example.com")
	policyErr, ok := err.(*PolicyRejectedError)
	assert.Equal(t, true, ok)
	assert.Equal(t, PolicyReasonLink, policyErr.Reason)

	// rejected before apply and before submission
	assert.Equal(t, "hello", session.Document().Content())
	assert.Equal(t, 0, harness.updateCount())
	// no cooldown for a rejected edit
	assert.Equal(t, true, session.Cooldown().CanEdit())
}

func TestSessionServicePolicyRejection(t *testing.T) {
	harness := newServiceHarness(t, "hello")
	session := newTestSession(t, harness, fastSessionSettings())
	assert.Equal(t, nil, session.Start())

	harness.setUpdateError("change contains profanity")

	content, err := session.Insert(5, " dagnabbit")
	policyErr, ok := err.(*PolicyRejectedError)
	assert.Equal(t, true, ok)
	assert.Equal(t, PolicyReasonProfanity, policyErr.Reason)

	// the optimistic apply stands: local state diverges from the
	// authoritative copy until the next refresh
	assert.Equal(t, "hello dagnabbit", content)
	assert.Equal(t, "hello dagnabbit", session.Document().Content())
	// no cooldown for a rejected edit
	assert.Equal(t, true, session.Cooldown().CanEdit())
}

func TestSessionTransportFailure(t *testing.T) {
	harness := newServiceHarness(t, "hello")
	session := newTestSession(t, harness, fastSessionSettings())
	assert.Equal(t, nil, session.Start())

	harness.setUpdateError("service melted")

	content, err := session.Insert(5, "!")
	_, ok := err.(*TransportUnavailableError)
	assert.Equal(t, true, ok)
	// local state stands
	assert.Equal(t, "hello!", content)
}

func TestSessionInvalidChange(t *testing.T) {
	harness := newServiceHarness(t, "hello")
	session := newTestSession(t, harness, fastSessionSettings())
	assert.Equal(t, nil, session.Start())

	_, err := session.Edit(ChangeTypeInsert, 0, 3, "x")
	_, ok := err.(*InvalidChangeError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", session.Document().Content())
	assert.Equal(t, 0, harness.updateCount())
}

func TestSessionStartUnavailable(t *testing.T) {
	session := NewSession(
		context.Background(),
		"http://127.0.0.1:1",
		"ws://127.0.0.1:1/api/ws",
		NewId(),
		"ana",
		NewMemoryStore(),
		fastSessionSettings(),
	)
	defer session.Close()

	err := session.Start()
	_, ok := err.(*TransportUnavailableError)
	assert.Equal(t, true, ok)
}

func TestSessionRemoteChangesApply(t *testing.T) {
	harness := newServiceHarness(t, "hello")
	session := newTestSession(t, harness, fastSessionSettings())
	assert.Equal(t, nil, session.Start())

	ws := <-harness.channels
	assert.Equal(t, true, waitFor(t, 5*time.Second, func() bool {
		return session.Channel().State() == ChannelOpen
	}))

	otherUserId, _ := NewClientId()
	remoteChange, err := EncodeTextChangeFrame(&Change{
		Id:         NewId(),
		DocumentId: session.Document().DocumentId(),
		ChangeType: ChangeTypeInsert,
		Position:   5,
		Content:    " world",
		UserId:     otherUserId,
		UserName:   "ben",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, ws.WriteMessage(websocket.TextMessage, remoteChange))

	assert.Equal(t, true, waitFor(t, 5*time.Second, func() bool {
		return session.Document().Content() == "hello world"
	}))

	// duplicate delivery of the same frame is idempotent
	assert.Equal(t, nil, ws.WriteMessage(websocket.TextMessage, remoteChange))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "hello world", session.Document().Content())
}
