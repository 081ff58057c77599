package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestContainsLinks(t *testing.T) {
	linked := []string{
		"see https://example.com/page",
		"http://example.com",
		"visit www.example.com today",
		"ftp://files.example.com/x",
		"mail me at ana@example.com",
	}
	for _, text := range linked {
		assert.Equal(t, true, ContainsLinks(text))
	}

	clean := []string{
		"",
		"hello world",
		"the cat sat on the mat",
		"a sentence. with punctuation!",
	}
	for _, text := range clean {
		assert.Equal(t, false, ContainsLinks(text))
	}
}

func TestExtractLinks(t *testing.T) {
	links := ExtractLinks("see https://example.com and write ana@example.com")
	assert.Equal(t, 2, len(links))
	assert.Equal(t, "https://example.com", links[0])
	assert.Equal(t, "ana@example.com", links[1])
}

func TestSanitizeText(t *testing.T) {
	sanitized := SanitizeText("go to https://example.com or mail ana@example.com now")
	assert.Equal(t, "go to [LINK_REMOVED] or mail [EMAIL_REMOVED] now", sanitized)
}

func profanityServer(t *testing.T, statusCode int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		w.WriteHeader(statusCode)
		w.Write([]byte(body))
	}))
}

func TestProfanityCheckShapes(t *testing.T) {
	flagged := []string{
		`true`,
		`{"profanity": true}`,
		`{"isProfane": true}`,
		`{"flagged": true}`,
		`{"contains_profanity": true}`,
		`{"label": "PROFANITY"}`,
		`{"labels": ["clean", "profanity"]}`,
		`{"scores": {"profanity": 0.95}}`,
	}
	for _, body := range flagged {
		server := profanityServer(t, http.StatusOK, body)
		client := NewProfanityClient(context.Background(), server.URL)
		assert.Equal(t, true, client.Check("dagnabbit"))
		server.Close()
	}

	clean := []string{
		`false`,
		`{"profanity": false}`,
		`{"label": "clean"}`,
		`{"scores": {"profanity": 0.2}}`,
		`{}`,
	}
	for _, body := range clean {
		server := profanityServer(t, http.StatusOK, body)
		client := NewProfanityClient(context.Background(), server.URL)
		assert.Equal(t, false, client.Check("hello"))
		server.Close()
	}
}

func TestProfanityCheckFailsOpen(t *testing.T) {
	// service error
	server := profanityServer(t, http.StatusInternalServerError, "boom")
	client := NewProfanityClient(context.Background(), server.URL)
	assert.Equal(t, false, client.Check("hello"))
	server.Close()

	// undecodable body
	server = profanityServer(t, http.StatusOK, "not json")
	client = NewProfanityClient(context.Background(), server.URL)
	assert.Equal(t, false, client.Check("hello"))
	server.Close()

	// unreachable service
	client = NewProfanityClient(context.Background(), "http://127.0.0.1:1")
	assert.Equal(t, false, client.Check("hello"))
}
