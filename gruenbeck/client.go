// Package gruenbeck is a client for the Grünbeck cloud API behind the
// myGrünbeck app. It discovers softliQ water softeners on an account,
// reads and writes their settings and streams live measurements.
package gruenbeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p0l0/gruenbeck-cloud/gruenbeck/models"
	"github.com/p0l0/gruenbeck-cloud/internal/auth"
	"github.com/p0l0/gruenbeck-cloud/internal/backoff"
)

const userAgent = "Gruenbeck/354 CFNetwork/1209 Darwin/20.2.0"

// Client talks to the vendor cloud for one account.
type Client struct {
	cfg     Config
	http    *http.Client
	session *auth.Session
	policy  backoff.Policy
	logger  *zap.Logger
	diag    *diagnosticLog

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	devices map[string]*models.Device

	realtime *realtimeConn
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	var blob auth.BlobStore
	if cfg.Blob != nil {
		store, err := auth.NewS3Store(*cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		blob = store
	}

	session, err := auth.NewSession(auth.Config{
		Username:     cfg.Username,
		Password:     cfg.Password,
		LoginBaseURL: cfg.LoginBaseURL,
		StatePath:    cfg.StatePath,
		BlobStore:    blob,
		HTTPClient:   cfg.HTTPClient,
		Logger:       cfg.Logger.Named("auth"),
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		session: session,
		policy:  backoff.New(cfg.MaxRetryAttempts, cfg.BackoffBase),
		logger:  cfg.Logger,
		diag:    newDiagnosticLog(),
		sleep:   sleepContext,
		devices: make(map[string]*models.Device),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetDevices lists the account's water softeners. Devices whose id
// does not identify a softliQ softener are skipped.
func (c *Client) GetDevices(ctx context.Context) ([]*models.Device, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/devices", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var raw []*models.Device
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ResponseFormatError{Endpoint: "/api/devices", Err: err}
	}

	devices := make([]*models.Device, 0, len(raw))
	c.mu.Lock()
	for _, d := range raw {
		if !strings.Contains(d.ID, "soft") {
			c.logger.Debug("skipping non-softener device", zap.String("id", d.ID))
			continue
		}
		if known, ok := c.devices[d.ID]; ok {
			known.ApplyInfo(d)
			devices = append(devices, known)
			continue
		}
		c.devices[d.ID] = d
		devices = append(devices, d)
	}
	c.mu.Unlock()

	return devices, nil
}

// Device returns a previously discovered device by id.
func (c *Client) Device(id string) (*models.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d, ok
}

// GetDeviceInfo fetches the device detail record and merges it.
func (c *Client) GetDeviceInfo(ctx context.Context, device *models.Device) error {
	endpoint := "/api/devices/" + device.ID + "/"
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, http.StatusOK)
	if err != nil {
		return err
	}
	var info models.Device
	if err := json.Unmarshal(body, &info); err != nil {
		return &ResponseFormatError{Endpoint: endpoint, Err: err}
	}
	device.ApplyInfo(&info)
	return nil
}

// GetParameters fetches and normalizes the device settings.
func (c *Client) GetParameters(ctx context.Context, device *models.Device) error {
	endpoint := "/api/devices/" + device.ID + "/parameters"
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, http.StatusOK)
	if err != nil {
		return err
	}
	normalized, err := models.Normalize(device.ModelSeries(), body)
	if err != nil {
		return &ResponseFormatError{Endpoint: endpoint, Err: err}
	}
	device.ApplyParameters(normalized)
	return nil
}

// GetSaltMeasurements fetches the daily salt consumption history.
func (c *Client) GetSaltMeasurements(ctx context.Context, device *models.Device) error {
	usage, err := c.getUsage(ctx, device, "salt")
	if err != nil {
		return err
	}
	device.ApplyUsage(usage, nil)
	return nil
}

// GetWaterMeasurements fetches the daily water consumption history.
func (c *Client) GetWaterMeasurements(ctx context.Context, device *models.Device) error {
	usage, err := c.getUsage(ctx, device, "water")
	if err != nil {
		return err
	}
	device.ApplyUsage(nil, usage)
	return nil
}

func (c *Client) getUsage(ctx context.Context, device *models.Device, kind string) ([]models.DailyUsage, error) {
	endpoint := "/api/devices/" + device.ID + "/measurements/" + kind
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var usage []models.DailyUsage
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, &ResponseFormatError{Endpoint: endpoint, Err: err}
	}
	return usage, nil
}

// RefreshDevice pulls the detail record, settings and consumption
// history in one go.
func (c *Client) RefreshDevice(ctx context.Context, device *models.Device) error {
	if err := c.GetDeviceInfo(ctx, device); err != nil {
		return err
	}
	if err := c.GetParameters(ctx, device); err != nil {
		return err
	}
	if err := c.GetSaltMeasurements(ctx, device); err != nil {
		return err
	}
	return c.GetWaterMeasurements(ctx, device)
}

// SetParameter writes one canonical setting. The value is validated
// locally first; the cached state is only updated after the cloud
// confirms the write.
func (c *Client) SetParameter(ctx context.Context, device *models.Device, key string, value any) error {
	current, ok := device.Parameter(key)
	if !ok {
		return &ValidationError{Key: key, Reason: "unknown parameter, refresh the device first"}
	}
	if !current.Selectable {
		return &ValidationError{Key: key, Reason: "parameter is not selectable on this device"}
	}

	rawKey, rawValue, err := models.EncodeParameter(device.ModelSeries(), key, value)
	if err != nil {
		return &ValidationError{Key: key, Reason: err.Error()}
	}

	payload, err := json.Marshal(map[string]any{rawKey: rawValue})
	if err != nil {
		return err
	}

	endpoint := "/api/devices/" + device.ID + "/parameters"
	if _, err := c.do(ctx, http.MethodPatch, endpoint, payload, http.StatusOK); err != nil {
		return err
	}

	device.SetParameterValue(key, value)
	return nil
}

// Regenerate starts a manual regeneration cycle.
func (c *Client) Regenerate(ctx context.Context, device *models.Device) error {
	endpoint := "/api/devices/" + device.ID + "/regenerate"
	_, err := c.do(ctx, http.MethodPost, endpoint, []byte("{}"), http.StatusAccepted)
	return err
}

// EnterSD asks the device to start publishing on the realtime channel.
func (c *Client) EnterSD(ctx context.Context, device *models.Device) error {
	endpoint := "/api/devices/" + device.ID + "/realtime/enter"
	_, err := c.do(ctx, http.MethodPost, endpoint, nil, http.StatusAccepted)
	return err
}

// RefreshSD keeps the realtime publishing window open.
func (c *Client) RefreshSD(ctx context.Context, device *models.Device) error {
	endpoint := "/api/devices/" + device.ID + "/realtime/refresh"
	_, err := c.do(ctx, http.MethodPost, endpoint, nil, http.StatusAccepted)
	return err
}

// LeaveSD ends the realtime publishing window.
func (c *Client) LeaveSD(ctx context.Context, device *models.Device) error {
	endpoint := "/api/devices/" + device.ID + "/realtime/leave"
	_, err := c.do(ctx, http.MethodPost, endpoint, nil, http.StatusAccepted)
	return err
}

// Login performs a full credential login right away. API calls log in
// lazily on their own; this exists to verify credentials up front.
func (c *Client) Login(ctx context.Context) error {
	return c.session.Login(ctx)
}

// Logout drops the session and its persisted state.
func (c *Client) Logout() error {
	c.Disconnect()
	return c.session.Logout()
}

// do is the single chokepoint every API call goes through: token
// attach, retry with backoff, one re-login on auth failure and the
// error taxonomy all live here.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, wantStatus int) ([]byte, error) {
	attempt := 1
	reloggedIn := false

	for {
		token, err := c.session.AccessToken(ctx)
		if err != nil {
			requestsTotal.WithLabelValues(endpoint, "auth_error").Inc()
			return nil, &AuthError{Endpoint: endpoint, Err: err}
		}

		respBody, status, header, err := c.roundTrip(ctx, method, endpoint, token, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			decision := c.policy.RetryTransient(attempt)
			if !decision.Retry {
				requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
				return nil, &TransportError{Endpoint: endpoint, Attempts: attempt, Err: err}
			}
			c.logger.Debug("retrying after network error",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Error(err))
			retriesTotal.WithLabelValues(endpoint).Inc()
			if err := c.sleep(ctx, decision.Delay); err != nil {
				return nil, err
			}
			attempt++
			continue
		}

		if status == wantStatus || (status >= 200 && status < 300) {
			requestsTotal.WithLabelValues(endpoint, "ok").Inc()
			return respBody, nil
		}

		switch backoff.Classify(status) {
		case backoff.Auth:
			if reloggedIn {
				requestsTotal.WithLabelValues(endpoint, "auth_error").Inc()
				return nil, &AuthError{Endpoint: endpoint, Status: status}
			}
			reloggedIn = true
			c.logger.Info("token rejected, forcing re-login",
				zap.String("endpoint", endpoint), zap.Int("status", status))
			c.session.Invalidate()
			continue

		case backoff.Transient:
			retryAfter := header.Get("Retry-After")
			decision := c.policy.Decide(status, attempt, retryAfter)
			if !decision.Retry {
				if status == http.StatusTooManyRequests {
					requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
					rateErr := &RateLimitError{Endpoint: endpoint, Attempts: attempt}
					if d, ok := backoff.ParseRetryAfter(retryAfter, time.Now()); ok {
						rateErr.RetryAt = time.Now().Add(d)
					}
					return nil, rateErr
				}
				requestsTotal.WithLabelValues(endpoint, "server_error").Inc()
				return nil, &ServerError{Endpoint: endpoint, Status: status, Attempts: attempt, Body: string(respBody)}
			}
			c.logger.Debug("retrying after transient status",
				zap.String("endpoint", endpoint), zap.Int("status", status),
				zap.Int("attempt", attempt), zap.Duration("delay", decision.Delay))
			retriesTotal.WithLabelValues(endpoint).Inc()
			if err := c.sleep(ctx, decision.Delay); err != nil {
				return nil, err
			}
			attempt++
			continue

		default:
			requestsTotal.WithLabelValues(endpoint, "server_error").Inc()
			return nil, &ServerError{Endpoint: endpoint, Status: status, Attempts: attempt, Body: string(respBody)}
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint, token string, body []byte) ([]byte, int, http.Header, error) {
	target := c.cfg.APIBaseURL + endpoint
	if strings.Contains(target, "?") {
		target += "&api-version=" + APIVersion
	} else {
		target += "?api-version=" + APIVersion
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "de-de")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.diag.recordRequest(method, target, body)

	resp, err := c.http.Do(req)
	if err != nil {
		c.diag.recordError(method, target, err)
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.diag.recordError(method, target, err)
		return nil, 0, nil, err
	}

	c.diag.recordResponse(method, target, resp.StatusCode, respBody)
	return respBody, resp.StatusCode, resp.Header, nil
}
