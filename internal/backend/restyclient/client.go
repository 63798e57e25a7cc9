// Package restyclient is the production HTTP executor for the entitlement
// backend: resty transport with API-key auth and HMAC signing of the
// nonce-prefixed signature fields.
package restyclient

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/subwise/subwise-go/internal/backend"
)

const defaultTimeout = 30 * time.Second

// Client implements backend.HTTPExecutor over resty.
type Client struct {
	http    *resty.Client
	signKey []byte
}

var _ backend.HTTPExecutor = (*Client)(nil)

// New builds a client for baseURL. signKey may be nil to disable signing.
func New(baseURL, apiKey string, signKey []byte, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Platform", "android")
	return &Client{http: http, signKey: signKey}
}

// PerformRequest issues one call. A nil body means GET, anything else POST.
func (c *Client) PerformRequest(
	ctx context.Context,
	path string,
	body any,
	fieldsToSign []string,
	headers map[string]string,
) (backend.HTTPResult, error) {
	req := c.http.R().SetContext(ctx).SetHeaders(headers)

	if len(fieldsToSign) > 0 && c.signKey != nil {
		nonce, err := newNonce()
		if err != nil {
			return backend.HTTPResult{}, fmt.Errorf("generate nonce: %w", err)
		}
		req.SetHeader("X-Nonce", nonce)
		req.SetHeader("X-Signature", c.sign(nonce, fieldsToSign))
	}

	var resp *resty.Response
	var err error
	if body == nil {
		resp, err = req.Get(path)
	} else {
		resp, err = req.SetBody(body).Post(path)
	}
	if err != nil {
		return backend.HTTPResult{}, fmt.Errorf("perform request %s: %w", path, err)
	}

	origin := backend.OriginBackend
	if strings.HasPrefix(resp.Header().Get("X-Cache"), "HIT") {
		origin = backend.OriginCache
	}
	return backend.HTTPResult{
		Code:   resp.StatusCode(),
		Body:   resp.Body(),
		Origin: origin,
	}, nil
}

func (c *Client) sign(nonce string, fields []string) string {
	mac := hmac.New(sha256.New, c.signKey)
	mac.Write([]byte(nonce))
	for _, f := range fields {
		mac.Write([]byte{0})
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func newNonce() (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
