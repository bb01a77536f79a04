// Package slack posts booking notifications through the Slack Web API using
// slack-go. Messages are plain text and keep their channel and timestamp so
// later changes edit or remove the same message.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/example/roombook/internal/notify"
)

// errMessageNotFound is what chat.delete reports for a message that is gone.
const errMessageNotFound = "message_not_found"

// Client implements notify.SlackSink with a bot token.
type Client struct {
	api *slack.Client
}

type options struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL points the client at another API root, such as a test server.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimSuffix(url, "/") + "/"
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// New returns a client authenticating with the bot token.
func New(token string, opts ...Option) *Client {
	o := options{http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}

	slackOpts := []slack.Option{slack.OptionHTTPClient(o.http)}
	if o.baseURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(o.baseURL))
	}
	return &Client{api: slack.New(token, slackOpts...)}
}

// Post sends text to channelID and returns the message handle.
func (c *Client) Post(ctx context.Context, channelID, text string) (notify.Handle, error) {
	channel, ts, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return notify.Handle{}, fmt.Errorf("slack chat.postMessage: %w", err)
	}
	return notify.Handle{ChannelID: channel, MessageTS: ts}, nil
}

// Update replaces the text of an existing message.
func (c *Client) Update(ctx context.Context, handle notify.Handle, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, handle.ChannelID, handle.MessageTS, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack chat.update: %w", err)
	}
	return nil
}

// Delete removes a message. A message that is already gone is not an error.
func (c *Client) Delete(ctx context.Context, handle notify.Handle) error {
	_, _, err := c.api.DeleteMessageContext(ctx, handle.ChannelID, handle.MessageTS)
	if err == nil || IsCode(err, errMessageNotFound) {
		return nil
	}
	return fmt.Errorf("slack chat.delete: %w", err)
}

// IsCode reports whether err carries the Slack error code, such as
// "channel_not_found".
func IsCode(err error, code string) bool {
	var apiErr slack.SlackErrorResponse
	return errors.As(err, &apiErr) && apiErr.Err == code
}
