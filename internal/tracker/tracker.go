// Package tracker posts work-item outcomes back to the issue-tracking host.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lsadehaan/cloud-code/pkg/models"
)

// Notifier is an integration that can report a work-item outcome.
type Notifier interface {
	Name() string
	// Notify posts a status message for the item.
	Notify(ctx context.Context, item *models.WorkItem, message string) error
}

// Registry holds loaded notifiers by name.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Name()] = n
}

func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifiers[name]
}

func (r *Registry) Notify(ctx context.Context, name string, item *models.WorkItem, message string) error {
	n := r.Get(name)
	if n == nil {
		return fmt.Errorf("notifier %q not found", name)
	}
	return n.Notify(ctx, item, message)
}

// GitHubTracker comments on the item's originating issue via the REST API.
// The item id is expected to carry the issue number as a suffix after the
// last dash when IssueFromID is left nil.
type GitHubTracker struct {
	Token   string
	BaseURL string // empty means https://api.github.com
	// IssueFromID maps a work-item id to an issue number; nil disables
	// issue resolution and comments go nowhere.
	IssueFromID func(itemID string) (int, bool)

	Client *http.Client
}

func (g *GitHubTracker) Name() string { return "github" }

func (g *GitHubTracker) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (g *GitHubTracker) base() string {
	if g.BaseURL != "" {
		return strings.TrimRight(g.BaseURL, "/")
	}
	return "https://api.github.com"
}

func (g *GitHubTracker) Notify(ctx context.Context, item *models.WorkItem, message string) error {
	if g.Token == "" {
		return fmt.Errorf("github token not set")
	}
	if g.IssueFromID == nil {
		return fmt.Errorf("github tracker has no issue mapping")
	}
	issue, ok := g.IssueFromID(item.ID)
	if !ok {
		return fmt.Errorf("no issue for item %s", item.ID)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", g.base(), item.RepoOwner, item.RepoName, issue)
	body, err := json.Marshal(map[string]string{"body": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("github comment returned %d", resp.StatusCode)
	}
	return nil
}

// IssueFromSuffix maps item ids like "gh-123" or "login-fix-42" to the
// trailing issue number. Ids without a numeric suffix have no issue.
func IssueFromSuffix(itemID string) (int, bool) {
	i := strings.LastIndex(itemID, "-")
	if i < 0 || i == len(itemID)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(itemID[i+1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// SlackNotifier sends outcome messages to a Slack channel via incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional

	Client *http.Client
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (s *SlackNotifier) Notify(ctx context.Context, item *models.WorkItem, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{
		"text": fmt.Sprintf("[%s] %s: %s", item.ID, item.Title, message),
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier is the fallback when no tracker is configured; it only records
// the message in the process log so terminal outcomes are never silently lost.
type LogNotifier struct {
	Log func(msg string, args ...any)
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(_ context.Context, item *models.WorkItem, message string) error {
	if l.Log != nil {
		l.Log("work item outcome", "item", item.ID, "status", item.Status, "message", message)
	}
	return nil
}
