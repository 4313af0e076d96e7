// Package command is the operator channel: a Telegram notifier for alerts and
// a long-poll listener that dispatches operator commands to the engine.
package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quanthelm/logs"
)

const telegramAPIBase = "https://api.telegram.org"

// Notifier pushes messages to the operator chat. With no token configured it
// degrades to log-only, so simulation runs need no Telegram setup.
type Notifier struct {
	token  string
	chatID string
	http   *http.Client
}

// NewNotifier builds a notifier from the Telegram credentials.
func NewNotifier(token, chatID string) *Notifier {
	return &Notifier{
		token:  token,
		chatID: chatID,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a chat is actually wired.
func (n *Notifier) Enabled() bool {
	return n != nil && n.token != "" && n.chatID != ""
}

// Alert sends one message to the operator chat. Delivery failures are logged
// and swallowed: alerting must never stall the engine.
func (n *Notifier) Alert(msg string) {
	if !n.Enabled() {
		logs.Infof("[Notify] %s", strings.ReplaceAll(msg, "\n", " | "))
		return
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, n.token)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", msg)

	resp, err := n.http.PostForm(endpoint, form)
	if err != nil {
		logs.Warnf("[Notify] Telegram send failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		logs.Warnf("[Notify] Telegram rejected message (%d): %s", resp.StatusCode, body.Description)
	}
}
