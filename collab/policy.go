package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang/glog"
)

// Content-policy gates. The link gate is a synchronous local check and a
// hard rejection before a change is submitted. The profanity check is
// remote and fail-open: only a definitive positive blocks anything, and
// the service also re-checks asynchronously on its side.

var urlRegex = regexp.MustCompile(`(?i)(?:https?://|www\.|ftp://)[^\s<>"{}|\\^` + "`" + `\[\]]+`)
var emailRegex = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

func ContainsLinks(text string) bool {
	return urlRegex.MatchString(text) || emailRegex.MatchString(text)
}

func ExtractLinks(text string) []string {
	links := urlRegex.FindAllString(text, -1)
	links = append(links, emailRegex.FindAllString(text, -1)...)
	return links
}

func SanitizeText(text string) string {
	text = urlRegex.ReplaceAllString(text, "[LINK_REMOVED]")
	text = emailRegex.ReplaceAllString(text, "[EMAIL_REMOVED]")
	return text
}

const DefaultProfanityCheckUrl = "https://vector.profanity.dev"

const defaultProfanityTimeout = 5 * time.Second

type ProfanityClient struct {
	ctx context.Context

	checkUrl   string
	httpClient *http.Client
}

func NewProfanityClient(ctx context.Context, checkUrl string) *ProfanityClient {
	return &ProfanityClient{
		ctx:      ctx,
		checkUrl: checkUrl,
		httpClient: &http.Client{
			Timeout: defaultProfanityTimeout,
		},
	}
}

// Check reports whether the message is profane. Any transport or decode
// problem returns false so that an unavailable moderation service never
// blocks edits.
func (self *ProfanityClient) Check(message string) bool {
	requestBodyBytes, err := json.Marshal(map[string]string{
		"message": message,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(self.ctx, "POST", self.checkUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return false
	}
	req.Header.Add("Content-Type", "application/json")

	r, err := self.httpClient.Do(req)
	if err != nil {
		glog.V(1).Infof("[policy]profanity check error = %s\n", err)
		return false
	}
	defer r.Body.Close()

	if http.StatusOK != r.StatusCode {
		return false
	}

	var response any
	if err := json.NewDecoder(r.Body).Decode(&response); err != nil {
		return false
	}
	return profanityFlag(response)
}

// profanityFlag probes the common response shapes the moderation service
// has used across revisions.
func profanityFlag(response any) bool {
	switch v := response.(type) {
	case bool:
		return v
	case map[string]any:
		for _, key := range []string{"profanity", "isProfane", "flagged", "contains_profanity"} {
			if flag, ok := v[key].(bool); ok {
				return flag
			}
		}
		for _, key := range []string{"label", "result", "prediction"} {
			if label, ok := v[key].(string); ok && strings.Contains(strings.ToLower(label), "profan") {
				return true
			}
		}
		if labels, ok := v["labels"].([]any); ok {
			for _, label := range labels {
				if labelStr, ok := label.(string); ok && strings.Contains(strings.ToLower(labelStr), "profan") {
					return true
				}
			}
		}
		if scores, ok := v["scores"].(map[string]any); ok {
			for key, score := range scores {
				if scoreValue, ok := score.(float64); ok {
					if strings.Contains(strings.ToLower(key), "profan") && 0.8 < scoreValue {
						return true
					}
				}
			}
		}
	}
	return false
}
