// Package calltoken получает короткоживущий токен авторизации вызова
// у бэкенда: GET {backendUrl}/auth/call-token с Bearer токеном аккаунта.
package calltoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Path путь эндпоинта относительно backendUrl
const Path = "/auth/call-token"

var (
	// ErrNoBackend не задан backendUrl
	ErrNoBackend = errors.New("не задан адрес бэкенда")
	// ErrUnexpectedStatus бэкенд ответил не 2xx
	ErrUnexpectedStatus = errors.New("неожиданный статус ответа")
)

// Fetcher источник call-token
type Fetcher interface {
	Fetch(ctx context.Context, backendURL, bearer string) (string, error)
}

// Client HTTP реализация Fetcher
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// Option опция клиента
type Option func(*Client)

// WithHTTPClient задает http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout ограничивает время одного запроса
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// New создает клиент
func New(opts ...Option) *Client {
	c := &Client{
		http:    http.DefaultClient,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Fetch запрашивает токен. Пустая строка без ошибки означает, что бэкенд
// ответил без токена.
func (c *Client) Fetch(ctx context.Context, backendURL, bearer string) (string, error) {
	backendURL = strings.TrimRight(backendURL, "/")
	if backendURL == "" {
		return "", ErrNoBackend
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backendURL+Path, nil)
	if err != nil {
		return "", fmt.Errorf("создание запроса call-token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("запрос call-token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("разбор ответа call-token: %w", err)
	}
	return body.Token, nil
}
