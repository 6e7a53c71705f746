package gruenbeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/p0l0/gruenbeck-cloud/gruenbeck/models"
)

const (
	// DefaultRealtimeHost is the vendor's SignalR service.
	DefaultRealtimeHost = "https://prod-eu-gruenbeck-signalr.service.signalr.net"

	// SignalR frames a JSON handshake terminated by a record separator.
	recordSeparator = 0x1e
	initialMessage  = `{"protocol":"json","version":1}`

	wsTypePing = 6
	wsTypeData = 1

	pingInterval = 30 * time.Second
)

var dataTargets = map[string]bool{
	"SendOneTimeMessageToDevice": true,
	"SendMessageToDevice":        true,
}

type wsMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

type realtimeConn struct {
	ws     *websocket.Conn
	device *models.Device

	mu     sync.Mutex
	closed bool
}

// Connected reports whether the realtime channel is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.realtime != nil
}

// Connect negotiates the realtime channel for one device and opens the
// websocket. EnterSD must be called separately to make the device
// publish.
func (c *Client) Connect(ctx context.Context, device *models.Device) error {
	c.mu.Lock()
	if c.realtime != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wsHost, wsToken, err := c.negotiateRealtime(ctx)
	if err != nil {
		return err
	}
	connectionID, err := c.negotiateConnection(ctx, wsHost, wsToken)
	if err != nil {
		return err
	}

	target, err := websocketURL(wsHost, connectionID, wsToken)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Origin", "null")
	header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 14_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148")

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, append([]byte(initialMessage), recordSeparator)); err != nil {
		ws.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	// A concurrent Connect may have won while we were dialing; keep
	// the established channel and drop ours.
	c.mu.Lock()
	if c.realtime != nil {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.realtime = &realtimeConn{ws: ws, device: device}
	c.mu.Unlock()
	realtimeConnected.Set(1)
	c.logger.Info("realtime channel connected", zap.String("device", device.ID))
	return nil
}

// Listen reads the realtime channel until the context ends or the
// connection drops. Each merged measurement frame is reported through
// onUpdate, which may be nil.
func (c *Client) Listen(ctx context.Context, onUpdate func(*models.Device)) error {
	c.mu.RLock()
	conn := c.realtime
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("realtime channel is not connected")
	}

	go c.pingLoop(ctx, conn)
	defer c.Disconnect()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime read: %w", err)
		}

		for _, record := range bytes.Split(payload, []byte{recordSeparator}) {
			if len(bytes.TrimSpace(record)) == 0 {
				continue
			}
			updated, err := c.handleRecord(conn.device, record)
			if err != nil {
				c.logger.Warn("dropping realtime record", zap.Error(err))
				continue
			}
			if updated && onUpdate != nil {
				onUpdate(conn.device)
			}
		}
	}
}

// Disconnect closes the realtime channel if it is open.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.realtime
	c.realtime = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}

	conn.mu.Lock()
	if !conn.closed {
		conn.closed = true
		conn.ws.Close()
	}
	conn.mu.Unlock()
	realtimeConnected.Set(0)
	c.logger.Info("realtime channel disconnected")
}

func (c *Client) pingLoop(ctx context.Context, conn *realtimeConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.mu.Lock()
			if conn.closed {
				conn.mu.Unlock()
				return
			}
			err := conn.ws.WriteMessage(websocket.TextMessage, append([]byte(`{"type":6}`), recordSeparator))
			conn.mu.Unlock()
			if err != nil {
				c.logger.Debug("realtime ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) handleRecord(device *models.Device, record []byte) (bool, error) {
	var msg wsMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}

	switch msg.Type {
	case wsTypePing:
		realtimeMessages.WithLabelValues("ping").Inc()
		return false, nil
	case wsTypeData:
	default:
		realtimeMessages.WithLabelValues("other").Inc()
		return false, nil
	}

	if !dataTargets[msg.Target] {
		realtimeMessages.WithLabelValues("unknown_target").Inc()
		c.logger.Debug("unknown realtime target", zap.String("target", msg.Target))
		return false, nil
	}
	realtimeMessages.WithLabelValues("data").Inc()

	updated := false
	for _, arg := range msg.Arguments {
		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(arg, &envelope); err != nil {
			return updated, fmt.Errorf("decode argument: %w", err)
		}
		// The hub multiplexes devices by serial; frames for another
		// device must not touch our state.
		if envelope.ID != device.SerialNumber {
			return updated, fmt.Errorf("frame for serial %q, expected %q", envelope.ID, device.SerialNumber)
		}

		normalized, err := models.Normalize(device.ModelSeries(), arg)
		if err != nil {
			return updated, err
		}
		delete(normalized.Unmapped, "id")
		device.ApplyMeasurements(normalized)
		updated = true
	}
	return updated, nil
}

// negotiateRealtime asks the API for the SignalR host and its access
// token. Goes through the regular retry engine.
func (c *Client) negotiateRealtime(ctx context.Context) (string, string, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/realtime/negotiate", nil, http.StatusOK)
	if err != nil {
		return "", "", err
	}
	var negotiation struct {
		URL         string `json:"url"`
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &negotiation); err != nil {
		return "", "", &ResponseFormatError{Endpoint: "/api/realtime/negotiate", Err: err}
	}
	host := DefaultRealtimeHost
	if negotiation.URL != "" {
		if u, err := url.Parse(negotiation.URL); err == nil && u.Host != "" {
			host = u.Scheme + "://" + u.Host
		}
	}
	if negotiation.AccessToken == "" {
		return "", "", &ResponseFormatError{Endpoint: "/api/realtime/negotiate", Err: fmt.Errorf("missing accessToken")}
	}
	return host, negotiation.AccessToken, nil
}

// negotiateConnection trades the SignalR token for a connection id at
// the SignalR host itself.
func (c *Client) negotiateConnection(ctx context.Context, wsHost, wsToken string) (string, error) {
	target := wsHost + "/client/negotiate?hub=gruenbeck"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+wsToken)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", userAgent)

	c.diag.recordRequest(http.MethodPost, target, nil)
	resp, err := c.http.Do(req)
	if err != nil {
		c.diag.recordError(http.MethodPost, target, err)
		return "", fmt.Errorf("negotiate connection: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	c.diag.recordResponse(http.MethodPost, target, resp.StatusCode, body)

	if resp.StatusCode != http.StatusOK {
		return "", &ServerError{Endpoint: "/client/negotiate", Status: resp.StatusCode, Attempts: 1, Body: string(body)}
	}
	var negotiation struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(body, &negotiation); err != nil {
		return "", &ResponseFormatError{Endpoint: "/client/negotiate", Err: err}
	}
	if negotiation.ConnectionID == "" {
		return "", &ResponseFormatError{Endpoint: "/client/negotiate", Err: fmt.Errorf("missing connectionId")}
	}
	return negotiation.ConnectionID, nil
}

func websocketURL(wsHost, connectionID, wsToken string) (string, error) {
	u, err := url.Parse(wsHost)
	if err != nil {
		return "", fmt.Errorf("parse realtime host: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/client/"
	u.RawQuery = url.Values{
		"hub":          {"gruenbeck"},
		"id":           {connectionID},
		"access_token": {wsToken},
	}.Encode()
	return u.String(), nil
}
