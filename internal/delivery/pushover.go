package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noahxzhu/local-notify/internal/model"
)

const defaultPushoverEndpoint = "https://api.pushover.net/1/messages.json"

type Pushover struct {
	Token    string
	User     string
	Endpoint string
	HTTP     *http.Client
}

func NewPushover(token, user, endpoint string) *Pushover {
	if endpoint == "" {
		endpoint = defaultPushoverEndpoint
	}
	return &Pushover{
		Token:    token,
		User:     user,
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Pushover) Name() string { return "pushover" }

func (c *Pushover) Deliver(ctx context.Context, msg Message) error {
	params := url.Values{}
	params.Set("token", c.Token)
	params.Set("user", c.User)
	params.Set("title", msg.Title)
	params.Set("message", msg.Body)
	params.Set("priority", strconv.Itoa(pushoverPriority(msg.Importance)))
	if !msg.Sound {
		params.Set("sound", "none")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pushover api error: status %s, body %s", resp.Status, string(body))
	}
	return nil
}

// Priority 2 needs retry/expire parameters, so max is capped at 1.
func pushoverPriority(imp model.Importance) int {
	switch imp {
	case model.ImportanceMin:
		return -2
	case model.ImportanceLow:
		return -1
	case model.ImportanceHigh, model.ImportanceMax:
		return 1
	default:
		return 0
	}
}
