// Package pushapi is the HTTP client for the mobile push providers. Tokens
// come in two shapes: Expo tokens ("ExponentPushToken[...]") go to the Expo
// push service, anything else is treated as a raw FCM registration token.
package pushapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kapy-chat/kapy-core/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

const (
	defaultExpoURL = "https://exp.host/--/api/v2/push/send"
	defaultFCMURL  = "https://fcm.googleapis.com/fcm/send"
)

// Sender delivers one push message to a device token. The notification
// fan-out depends on this interface; tests use a recording fake.
type Sender interface {
	SendPush(ctx context.Context, token string, title string, body string, data map[string]interface{}) error
}

// Client talks to both providers over plain HTTPS.
type Client struct {
	client       *http.Client
	ExpoURL      string
	FCMURL       string
	FCMServerKey string
	Logger       zerolog.Logger
}

type Options struct {
	ExpoURL      string
	FCMURL       string
	FCMServerKey string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

func NewClient(options Options) *Client {
	if options.ExpoURL == "" {
		options.ExpoURL = defaultExpoURL
	}
	if options.FCMURL == "" {
		options.FCMURL = defaultFCMURL
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{}
	}
	return &Client{
		client:       options.HTTPClient,
		ExpoURL:      strings.TrimSuffix(options.ExpoURL, "/"),
		FCMURL:       strings.TrimSuffix(options.FCMURL, "/"),
		FCMServerKey: options.FCMServerKey,
		Logger:       options.Logger.With().Str("component", "pushApi").Logger(),
	}
}

// IsExpoToken reports whether token targets the Expo push service.
func IsExpoToken(token string) bool {
	return strings.HasPrefix(token, "ExponentPushToken[") && strings.HasSuffix(token, "]")
}

type expoMessage struct {
	To    string                 `json:"to"`
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
	Sound string                 `json:"sound"`
}

type fcmMessage struct {
	To           string                 `json:"to"`
	Notification fcmNotification        `json:"notification"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (c *Client) SendPush(ctx context.Context, token string, title string, body string, data map[string]interface{}) error {
	if IsExpoToken(token) {
		message, err := json.Marshal(expoMessage{To: token, Title: title, Body: body, Data: data, Sound: "default"})
		if err != nil {
			return tracerr.Wrap(err)
		}
		return c.post(ctx, c.ExpoURL, message, nil)
	}
	message, err := json.Marshal(fcmMessage{To: token, Notification: fcmNotification{Title: title, Body: body}, Data: data})
	if err != nil {
		return tracerr.Wrap(err)
	}
	var headers map[string]string
	if c.FCMServerKey != "" {
		headers = map[string]string{"Authorization": "key=" + c.FCMServerKey}
	}
	return c.post(ctx, c.FCMURL, message, headers)
}

func (c *Client) post(ctx context.Context, url string, requestBody []byte, headers map[string]string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: http.MethodPost, Url: url})
	}
	request.Header.Add("Accept", "application/json")
	request.Header.Add("Content-Type", "application/json")
	for name, value := range headers {
		request.Header.Add(name, value)
	}

	c.Logger.Debug().Msg("Push call: POST " + url)
	c.Logger.Trace().Msg(fmt.Sprintf("Request body: %s", requestBody))
	response, err := c.client.Do(request)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: http.MethodPost, Url: url})
	}
	defer response.Body.Close()
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "RESPONSE_READER_ERROR", Details: err.Error(), Method: http.MethodPost, Url: url})
	}

	c.Logger.Debug().Msg(fmt.Sprintf("Received response to POST %s, status code: %d", url, response.StatusCode))
	c.Logger.Trace().Msg(fmt.Sprintf("Response body: %s", responseBody))
	if response.StatusCode != http.StatusOK {
		return tracerr.Wrap(utils.APIError{
			Status: response.StatusCode,
			Code:   "PUSH_PROVIDER_ERROR",
			Raw:    string(responseBody),
			Method: http.MethodPost,
			Url:    url,
		})
	}
	return nil
}
