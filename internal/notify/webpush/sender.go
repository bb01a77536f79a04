// Package webpush delivers oversight notifications to browsers using the Web
// Push protocol. Encryption and VAPID signing are done by webpush-go; this
// package adapts stored subscriptions and maps push service responses.
package webpush

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/example/roombook/internal/notify"
	"github.com/example/roombook/internal/persistence"
)

const defaultTTL = 24 * time.Hour

// ErrPayloadTooLarge is returned when the payload does not fit a single record.
var ErrPayloadTooLarge = errors.New("webpush: payload too large")

// Sender implements notify.PushSink.
type Sender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        time.Duration
	http       *http.Client
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sender) { s.http = hc }
}

// WithTTL sets how long the push service should hold undelivered messages.
func WithTTL(ttl time.Duration) Option {
	return func(s *Sender) { s.ttl = ttl }
}

// NewSender builds a sender from base64url encoded VAPID keys. subject is a
// mailto: or https: contact for the application server.
func NewSender(publicKey, privateKey, subject string, opts ...Option) (*Sender, error) {
	pub, err := decodeKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("vapid public key: %w", err)
	}
	d, err := decodeKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("vapid private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("vapid private key: %w", err)
	}
	if !bytes.Equal(priv.PublicKey().Bytes(), pub) {
		return nil, errors.New("vapid public key does not match private key")
	}

	s := &Sender{
		publicKey:  base64.RawURLEncoding.EncodeToString(pub),
		privateKey: base64.RawURLEncoding.EncodeToString(d),
		// webpush-go adds the mailto: scheme itself.
		subscriber: strings.TrimPrefix(subject, "mailto:"),
		ttl:        defaultTTL,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateKeys returns a fresh base64url encoded VAPID key pair.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// Endpoints the push service no longer recognises yield notify.ErrSubscriptionGone.
func (s *Sender) Send(ctx context.Context, sub persistence.PushSubscription, payload []byte) error {
	// webpush-go pads the message in place.
	message := append([]byte(nil), payload...)

	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      s.http,
		Subscriber:      s.subscriber,
		TTL:             int(s.ttl.Seconds()),
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
	})
	switch {
	case errors.Is(err, webpush.ErrMaxPadExceeded):
		return ErrPayloadTooLarge
	case err != nil:
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return notify.ErrSubscriptionGone
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("push service returned %s", resp.Status)
	}
	return nil
}

// decodeKey accepts base64url with or without padding, which is how browsers
// and key generators variously emit keys.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
