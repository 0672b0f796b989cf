package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
)

const defaultBaseURL = "https://slack.com/api"

// Client lists posts from the configured Slack channels and marks the ones
// carrying a reminder reaction. It is the ingestion pipeline's event source.
type Client struct {
	token     string
	channels  []string
	reactions map[string]struct{}
	baseURL   string
	client    *http.Client
	logger    *log.Logger

	mu        sync.Mutex
	userNames map[string]string
}

// New creates a Slack client watching the given channels for the given
// reminder reactions
func New(token string, channels, reminderReactions []string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	reactions := make(map[string]struct{}, len(reminderReactions))
	for _, r := range reminderReactions {
		reactions[r] = struct{}{}
	}
	return &Client{
		token:     token,
		channels:  channels,
		reactions: reactions,
		baseURL:   defaultBaseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
		userNames: make(map[string]string),
	}
}

type historyResponse struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error"`
	Messages []message `json:"messages"`
}

type message struct {
	Type      string     `json:"type"`
	User      string     `json:"user"`
	Text      string     `json:"text"`
	TS        string     `json:"ts"`
	Reactions []reaction `json:"reactions"`
}

type reaction struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type userResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	User  struct {
		Name    string `json:"name"`
		Profile struct {
			DisplayName string `json:"display_name"`
		} `json:"profile"`
	} `json:"user"`
}

// ListReminderEvents fetches recent posts from every watched channel. A
// failing channel fails the whole call; the ingestion tick absorbs it and
// retries next time.
func (c *Client) ListReminderEvents(ctx context.Context) ([]domain.ReminderEvent, error) {
	var events []domain.ReminderEvent

	for _, channelID := range c.channels {
		var resp historyResponse
		params := url.Values{"channel": {channelID}, "limit": {"100"}}
		if err := c.apiGet(ctx, "conversations.history", params, &resp); err != nil {
			return nil, fmt.Errorf("listing channel %s: %w", channelID, err)
		}
		if !resp.OK {
			return nil, fmt.Errorf("listing channel %s: slack error %q", channelID, resp.Error)
		}

		for _, msg := range resp.Messages {
			if msg.Type != "message" || msg.TS == "" {
				continue
			}
			events = append(events, domain.ReminderEvent{
				PostID:      channelID + ":" + msg.TS,
				ChannelID:   channelID,
				MessageTS:   msg.TS,
				AuthorID:    msg.User,
				AuthorName:  c.userName(ctx, msg.User),
				Content:     msg.Text,
				Timestamp:   tsToTime(msg.TS),
				HasReminder: c.hasReminderReaction(msg.Reactions),
			})
		}
	}

	return events, nil
}

func (c *Client) hasReminderReaction(reactions []reaction) bool {
	for _, r := range reactions {
		if _, ok := c.reactions[r.Name]; ok && r.Count > 0 {
			return true
		}
	}
	return false
}

// userName resolves a user id to a display name, cached per client. Lookup
// failures fall back to the raw id so an event is never dropped over a name.
func (c *Client) userName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}

	c.mu.Lock()
	if name, ok := c.userNames[userID]; ok {
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	var resp userResponse
	if err := c.apiGet(ctx, "users.info", url.Values{"user": {userID}}, &resp); err != nil || !resp.OK {
		return userID
	}

	name := resp.User.Profile.DisplayName
	if name == "" {
		name = resp.User.Name
	}
	if name == "" {
		name = userID
	}

	c.mu.Lock()
	c.userNames[userID] = name
	c.mu.Unlock()
	return name
}

func (c *Client) apiGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// tsToTime converts a Slack "1724900000.000100" timestamp
func tsToTime(ts string) time.Time {
	secs := ts
	if i := strings.IndexByte(ts, '.'); i >= 0 {
		secs = ts[:i]
	}
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
