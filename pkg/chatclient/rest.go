package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/creatorly/chat-service/pkg/models"
)

// Sentinels importers can test against with errors.Is; the server's 403/404
// responses map onto them.
var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
)

// CreateInput is the durable-write request body.
type CreateInput struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	MediaURL  string `json:"mediaUrl"`
	MediaMime string `json:"mediaMime"`
	MediaSize int64  `json:"mediaSize"`
}

// RESTClient talks to the durable-write and history endpoints. Transient
// failures are retried with exponential backoff behind a circuit breaker;
// 4xx responses are permanent and surface immediately.
type RESTClient struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	token   func() string
}

func NewRESTClient(base string, token func() string) *RESTClient {
	return &RESTClient{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "chat-rest",
			Timeout: 15 * time.Second,
		}),
		token: token,
	}
}

type apiResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.msg)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	operation := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.token != nil {
				req.Header.Set("Authorization", "Bearer "+c.token())
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer func() {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}()

			var api apiResponse
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			_ = json.Unmarshal(raw, &api)

			switch {
			case resp.StatusCode >= 500:
				return nil, &httpError{status: resp.StatusCode, msg: api.Error}
			case resp.StatusCode >= 400:
				return nil, backoff.Permanent(mapStatus(resp.StatusCode, api.Error))
			}
			if out != nil && api.Data != nil {
				if err := json.Unmarshal(api.Data, out); err != nil {
					return nil, backoff.Permanent(err)
				}
			}
			return nil, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// nothing passes until the breaker half-opens; stop retrying
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func mapStatus(status int, msg string) error {
	switch status {
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &httpError{status: status, msg: msg}
	}
}

func (c *RESTClient) CreateMessage(ctx context.Context, in CreateInput) (*models.Message, error) {
	var m models.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *RESTClient) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+messageID, nil, nil)
}

func (c *RESTClient) ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	path := fmt.Sprintf("/api/chats/%s/messages?limit=%d", chatID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *RESTClient) ListMembers(ctx context.Context, chatID string) ([]string, error) {
	var members []string
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+chatID+"/members", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}
