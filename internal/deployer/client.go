package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/UnitedCTF/zync/pkg/config"
	zyncerrors "github.com/UnitedCTF/zync/pkg/errors"
	"go.uber.org/zap"
)

// Client provisions and destroys challenge environments through the
// external deployer service. Create is never retried since a timed-out
// request may still have provisioned an environment upstream. Delete is
// idempotent on the deployer side and retries once on transient
// transport errors.
type Client interface {
	// Create asks the deployer to provision an environment from the given
	// playbook and parameters. It returns the deployer's id and connection
	// info on success.
	Create(ctx context.Context, playbookName string, parameters map[string]interface{}) (*CreateResponse, error)

	// Delete asks the deployer to tear down a previously created environment.
	Delete(ctx context.Context, deployID int64) error
}

// CreateResponse is the deployer's answer to a successful provisioning call.
// ConnectionInfo is opaque and surfaced verbatim to the owner.
type CreateResponse struct {
	ID             int64           `json:"id"`
	ConnectionInfo json.RawMessage `json:"connection_info"`
}

// Error is returned for any non-200 deployer response. It keeps the
// upstream status and body for diagnosis.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("deployer returned %d: %s", e.StatusCode, e.Body)
}

type createRequest struct {
	PlaybookName string                 `json:"playbook_name"`
	Parameters   map[string]interface{} `json:"parameters"`
}

// HTTPClient is the production implementation of Client. The base URL and
// bearer secret are read from configuration on every call so that admin
// config changes take effect without a restart.
type HTTPClient struct {
	confProv config.Provider
	httpc    *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(confProv config.Provider) *HTTPClient {
	return &HTTPClient{
		confProv: confProv,
		httpc:    http.DefaultClient,
	}
}

func (c *HTTPClient) Create(ctx context.Context, playbookName string, parameters map[string]interface{}) (*CreateResponse, error) {
	conf := c.confProv.GetConfig()
	endpoint := fmt.Sprintf("%s/deploy/", strings.TrimSuffix(conf.Deployer.URL, "/"))

	body, err := json.Marshal(createRequest{
		PlaybookName: playbookName,
		Parameters:   parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("encode deploy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+conf.Deployer.Secret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach deployer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var parsed CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("could not parse deployer response: %w", err)
	}
	return &parsed, nil
}

func (c *HTTPClient) Delete(ctx context.Context, deployID int64) error {
	err := c.delete(ctx, deployID)
	if transient, pattern := zyncerrors.IsTransient(err); transient && ctx.Err() == nil {
		zap.S().Warnf("Transient error on teardown of deployment %d (%s), retrying", deployID, pattern)
		err = c.delete(ctx, deployID)
	}
	return err
}

func (c *HTTPClient) delete(ctx context.Context, deployID int64) error {
	conf := c.confProv.GetConfig()
	endpoint := fmt.Sprintf("%s/deploy/%d/", strings.TrimSuffix(conf.Deployer.URL, "/"), deployID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conf.Deployer.Secret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach deployer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}
