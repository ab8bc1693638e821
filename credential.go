package voice

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// CredentialRefresher exchanges the current bearer credential for a fresh one.
type CredentialRefresher interface {
	Refresh(ctx context.Context, current string) (string, error)
}

// CredentialStore holds the bearer credential. Replacing it never touches an open transport.
type CredentialStore struct {
	mu    sync.RWMutex
	token string
}

func NewCredentialStore(token string) *CredentialStore {
	return &CredentialStore{token: token}
}

func (s *CredentialStore) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *CredentialStore) Replace(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// HTTPRefresher calls POST {api}/token/refresh with the current credential as bearer.
type HTTPRefresher struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	client  *fasthttp.Client
	timeout time.Duration
}

var _ CredentialRefresher = (*HTTPRefresher)(nil)

func NewHTTPRefresher(logger shared.LoggerAdapter, apiUrl string, timeout time.Duration) (*HTTPRefresher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	baseUrl, err := url.Parse(apiUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing api URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRefresher{
		logger:  logger.With(zap.String("component", "credential")),
		baseUrl: baseUrl,
		client: &fasthttp.Client{
			Name:         "voice-client/" + shared.Version,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}, nil
}

// Refresh returns a new credential. Every failure is an authentication error.
func (r *HTTPRefresher) Refresh(ctx context.Context, current string) (string, error) {
	if current == "" {
		return "", fmt.Errorf("%w: %w", shared.ErrAuthentication, shared.ErrNoCredential)
	}
	token, err := r.refresh(ctx, current)
	if err != nil {
		r.logger.Error("refreshing credential", err)
		return "", fmt.Errorf("%w: %w", shared.ErrAuthentication, err)
	}
	r.logger.Debug("credential refreshed")
	return token, nil
}

func (r *HTTPRefresher) refresh(ctx context.Context, current string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(r.baseUrl.JoinPath("/token/refresh").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+current)
	req.Header.Set("Content-Type", "application/json")

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	errC := make(chan error, 1)
	go func() {
		errC <- r.client.DoTimeout(req, resp, timeout)
	}()
	select {
	case <-ctx.Done():
		// the request still owns req and resp until DoTimeout returns
		go func() {
			<-errC
			release()
		}()
		return "", ctx.Err()
	case err := <-errC:
		defer release()
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	var tr tokenResponse
	if err := sonic.Unmarshal(resp.Body(), &tr); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("refresh response carries no access_token")
	}
	return tr.AccessToken, nil
}
