// Package vault stores outbound notification endpoints with their URLs
// encrypted at rest and decrypts them only for the duration of a delivery.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"perfwatch/core"
	"perfwatch/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxURLLength = 4096

// Store is the endpoint persistence the vault needs
type Store interface {
	UpsertEndpoint(ctx context.Context, ep *core.WebhookEndpoint) (string, error)
	GetEndpoint(ctx context.Context, id string) (*core.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, enabledOnly bool) ([]*core.WebhookEndpoint, error)
	SetEndpointEnabled(ctx context.Context, id string, enabled bool, at time.Time) error
	RecordEndpointTest(ctx context.Context, id string, ok bool, testErr string, at time.Time) error
}

// Tester delivers a test message to a resolved endpoint URL
type Tester interface {
	SendTest(ctx context.Context, ep *core.WebhookEndpoint, url string) error
}

// StoreRequest describes an endpoint to create or replace
type StoreRequest struct {
	Type      core.EndpointType
	Name      string
	URL       string
	Recipient string
	// Format defaults to the endpoint type's format
	Format  core.MessageFormat
	Primary bool
	Batch   bool
	// Disabled creates the endpoint switched off
	Disabled bool
}

// Vault encrypts endpoint URLs with the keyring and persists them through Store
type Vault struct {
	store  Store
	keys   *Keyring
	clock  core.Clock
	logger *zap.SugaredLogger
}

// New creates a vault
func New(store Store, keys *Keyring, clock core.Clock, logger *zap.SugaredLogger) *Vault {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Vault{store: store, keys: keys, clock: clock, logger: logger}
}

// additionalData binds a ciphertext to its endpoint identity so a row's
// ciphertext cannot be swapped onto another endpoint
func additionalData(t core.EndpointType, name string) []byte {
	return []byte(string(t) + "\x00" + name)
}

// Store encrypts the URL and upserts the endpoint keyed by (type, name).
// Returns the endpoint id.
func (v *Vault) Store(ctx context.Context, req StoreRequest) (string, error) {
	if _, err := core.ParseEndpointType(string(req.Type)); err != nil {
		return "", err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", core.InvalidParameter("endpoint name is required")
	}
	if req.URL == "" {
		return "", core.InvalidParameter("endpoint url is required")
	}
	if len(req.URL) > maxURLLength {
		return "", core.InvalidParameter("endpoint url exceeds %d bytes", maxURLLength)
	}
	format := req.Format
	if format == "" {
		format = req.Type.DefaultFormat()
	}

	ciphertext, iv, keyID, err := v.keys.Seal([]byte(req.URL), additionalData(req.Type, name))
	if err != nil {
		metrics.VaultOperations.WithLabelValues("store", "error").Inc()
		return "", err
	}

	now := v.clock.Now()
	id, err := v.store.UpsertEndpoint(ctx, &core.WebhookEndpoint{
		ID:           uuid.New().String(),
		Type:         req.Type,
		Name:         name,
		Recipient:    req.Recipient,
		Format:       format,
		EncryptedURL: ciphertext,
		IV:           iv,
		KeyID:        keyID,
		Enabled:      !req.Disabled,
		Primary:      req.Primary,
		Batch:        req.Batch,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		metrics.VaultOperations.WithLabelValues("store", "error").Inc()
		return "", err
	}

	metrics.VaultOperations.WithLabelValues("store", "ok").Inc()
	v.logger.Infow("Stored notification endpoint", "endpoint_id", id, "type", req.Type, "name", name, "key_id", keyID)
	return id, nil
}

// Resolve decrypts the URL of an endpoint. The result must not be logged or
// retained past the delivery it is used for.
func (v *Vault) Resolve(ctx context.Context, id string) (string, error) {
	ep, err := v.store.GetEndpoint(ctx, id)
	if err != nil {
		metrics.VaultOperations.WithLabelValues("resolve", "not_found").Inc()
		return "", err
	}
	url, err := v.open(ep)
	if err != nil {
		metrics.VaultOperations.WithLabelValues("resolve", "error").Inc()
		return "", err
	}
	metrics.VaultOperations.WithLabelValues("resolve", "ok").Inc()
	return url, nil
}

func (v *Vault) open(ep *core.WebhookEndpoint) (string, error) {
	plaintext, err := v.keys.Open(ep.KeyID, ep.EncryptedURL, ep.IV, additionalData(ep.Type, ep.Name))
	if err != nil {
		return "", fmt.Errorf("endpoint %s: %w: %v", ep.ID, core.ErrDataIntegrity, err)
	}
	return string(plaintext), nil
}

// List returns endpoint metadata. Ciphertext is stripped.
func (v *Vault) List(ctx context.Context) ([]*core.WebhookEndpoint, error) {
	eps, err := v.store.ListEndpoints(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		ep.EncryptedURL = nil
		ep.IV = nil
	}
	return eps, nil
}

// SetEnabled switches an endpoint on or off
func (v *Vault) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := v.store.SetEndpointEnabled(ctx, id, enabled, v.clock.Now()); err != nil {
		return err
	}
	v.logger.Infow("Endpoint enabled state changed", "endpoint_id", id, "enabled", enabled)
	return nil
}

// Test sends a test message to the endpoint and records the result. The
// returned error is the delivery error, if any.
func (v *Vault) Test(ctx context.Context, id string, tester Tester) error {
	ep, err := v.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	url, err := v.open(ep)
	if err != nil {
		return err
	}

	sendErr := tester.SendTest(ctx, ep, url)
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}
	if err := v.store.RecordEndpointTest(ctx, id, sendErr == nil, errText, v.clock.Now()); err != nil {
		return err
	}
	if sendErr != nil {
		v.logger.Warnw("Endpoint test failed", "endpoint_id", id, "error", sendErr)
		return sendErr
	}
	v.logger.Infow("Endpoint test succeeded", "endpoint_id", id)
	return nil
}
