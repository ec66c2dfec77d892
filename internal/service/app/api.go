package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/keys"
)

// HTTPDistributor talks to the key endpoints of the relay server.
type HTTPDistributor struct {
	host   string
	client *http.Client
}

func NewHTTPDistributor(host string, client *http.Client) *HTTPDistributor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDistributor{host: host, client: client}
}

func (d *HTTPDistributor) url(path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   d.host,
		Path:   path,
	}
	return u.String()
}

func (d *HTTPDistributor) PublishKeys(ctx context.Context, upload *model.KeyUpload) error {
	resp, err := d.do(ctx, http.MethodPut, d.url(fmt.Sprintf("/keys/%s", upload.UserID)), upload)
	if err != nil {
		return err
	}
	defer drain(resp)

	return expectStatus(resp, http.StatusNoContent)
}

func (d *HTTPDistributor) FetchPreKeyBundle(ctx context.Context, peerID string) (*model.PreKeyBundle, error) {
	resp, err := d.do(ctx, http.MethodGet, d.url(fmt.Sprintf("/keys/%s", peerID)), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", keys.ErrNoPublishedKeys, peerID)
	}
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var bundle model.PreKeyBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (d *HTTPDistributor) PublishAdditionalPreKeys(ctx context.Context, userID string, preKeys []model.PublicPreKey) error {
	resp, err := d.do(ctx, http.MethodPost, d.url(fmt.Sprintf("/keys/%s/prekeys", userID)), preKeys)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", keys.ErrNoPublishedKeys, userID)
	}
	return expectStatus(resp, http.StatusNoContent)
}

func (d *HTTPDistributor) PreKeyCount(ctx context.Context, userID string) (int, error) {
	resp, err := d.do(ctx, http.MethodGet, d.url(fmt.Sprintf("/keys/%s/count", userID)), nil)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", keys.ErrNoPublishedKeys, userID)
	}
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return 0, err
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

func (d *HTTPDistributor) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return d.client.Do(req)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func expectStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, bytes.TrimSpace(msg))
}
