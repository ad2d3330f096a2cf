package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

type TokenStore interface {
	PushToken(ctx context.Context, user uuid.UUID) (string, error)
}

// ExpoSender posts notifications to the Expo push service using the device token registered by the recipient
type ExpoSender struct {
	logger   *zap.SugaredLogger
	tokens   TokenStore
	client   *http.Client
	endpoint string
}

func NewExpoSender(logger *zap.SugaredLogger, tokens TokenStore, endpoint string, client *http.Client) *ExpoSender {
	if client == nil {
		client = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	return &ExpoSender{logger: logger, tokens: tokens, client: client, endpoint: endpoint}
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound"`
}

type expoResponse struct {
	Data struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"data"`
}

func (s *ExpoSender) Send(ctx context.Context, n Notification) error {
	token, err := s.tokens.PushToken(ctx, n.RecipientID)
	if err != nil {
		if errors.Is(err, storage.ErrPushTokenNotExist) {
			s.logger.Debugf("User (%s) has no push token, skipping", n.RecipientID)
			return nil
		}
		return errors.Wrap(err, "push.Expo.Token")
	}

	payload, err := json.Marshal(expoMessage{
		To:    token,
		Title: n.Title,
		Body:  n.Body,
		Data:  n.Data,
		Sound: "default",
	})
	if err != nil {
		return errors.Wrap(err, "push.Expo.Marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "push.Expo.Request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "push.Expo.Do")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("push service responded with %s", resp.Status)
	}

	var body expoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "push.Expo.Decode")
	}
	if body.Data.Status == "error" {
		return errors.Errorf("push service rejected ticket: %s", body.Data.Message)
	}

	s.logger.Debugf("Push notification delivered to user (%s)", n.RecipientID)
	return nil
}

// LogSender only logs notifications, used when no push endpoint is configured
type LogSender struct {
	logger *zap.SugaredLogger
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Infof("Push notification for user (%s): %s %s", n.RecipientID, n.Title, n.Body)
	return nil
}
