package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	frameMagic                byte = 0xBF
	frameTypeOutput           byte = 0x01
	frameHeaderSize                = 4
	websocketHandshakeTimeout      = 10 * time.Second
)

type streamControlKind int

const (
	controlStopped streamControlKind = iota
	controlError
)

type streamControl struct {
	kind    streamControlKind
	message string
}

// EngineInfo mirrors the daemon's engine snapshot.
type EngineInfo struct {
	Name         string    `json:"name"`
	UODPath      string    `json:"uod_path"`
	Status       string    `json:"status"`
	RunID        string    `json:"run_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	StartTime    time.Time `json:"start_time,omitzero"`
	LastExitCode int       `json:"last_exit_code"`
	Attached     int       `json:"attached"`
}

// Settings mirrors the daemon's persisted configuration. The aggregator
// secret is write-only and reported only as a presence flag.
type Settings struct {
	AggregatorHostname string `json:"aggregator_hostname"`
	AggregatorPort     int    `json:"aggregator_port"`
	AggregatorSecure   bool   `json:"aggregator_secure"`
	HasSecret          bool   `json:"has_secret"`
	EngineInterpreter  string `json:"engine_interpreter"`
	EngineModule       string `json:"engine_module"`
}

// SettingsUpdate carries a partial settings change; nil fields are left untouched.
type SettingsUpdate struct {
	AggregatorHostname *string `json:"aggregator_hostname,omitempty"`
	AggregatorPort     *int    `json:"aggregator_port,omitempty"`
	AggregatorSecure   *bool   `json:"aggregator_secure,omitempty"`
	AggregatorSecret   *string `json:"aggregator_secret,omitempty"`
	EngineInterpreter  *string `json:"engine_interpreter,omitempty"`
	EngineModule       *string `json:"engine_module,omitempty"`
}

// AggregatorHealth is the daemon's view of the aggregator endpoint.
type AggregatorHealth struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type wsInbound struct {
	Type   string          `json:"type"`
	Engine string          `json:"engine"`
	Data   json.RawMessage `json:"data"`
}

// Client communicates with the daemon using HTTP and WebSocket transports.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	dialer     *websocket.Dialer

	mu         sync.Mutex
	wsConn     *websocket.Conn
	engineName string
	outputCh   chan []byte
	controlCh  chan streamControl
	errCh      chan error

	wsWriteMu sync.Mutex
}

func newClientWithConfig(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		token:      strings.TrimSpace(token),
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  websocketHandshakeTimeout,
			EnableCompression: true,
		},
	}
}

// NewInitialisedClient constructs a client from explicit parameters.
func NewInitialisedClient(baseURL, token string) *Client {
	return newClientWithConfig(baseURL, token)
}

// New initialises a client bound to the default instance. The base URL
// and token come from ENGINEMGR_BASE_URL / ENGINEMGR_API_TOKEN when set,
// otherwise from the instance configuration database.
func New(ctx context.Context) (*Client, error) {
	token := strings.TrimSpace(os.Getenv("ENGINEMGR_API_TOKEN"))

	if base := strings.TrimSpace(os.Getenv("ENGINEMGR_BASE_URL")); base != "" {
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("client: parse ENGINEMGR_BASE_URL: %w", err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("client: ENGINEMGR_BASE_URL missing host")
		}
		return newClientWithConfig(u.String(), token), nil
	}

	settings, err := loadConnectionSettings(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = settings.Token
	}

	baseURL := fmt.Sprintf("http://%s:%d", settings.Host, settings.Port)
	return newClientWithConfig(baseURL, token), nil
}

// BaseURL returns the base HTTP URL the client is configured to use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token configured for the client, if any.
func (c *Client) Token() string {
	return c.token
}

// Close terminates any active WebSocket attachment.
func (c *Client) Close() error {
	return c.DetachEngine()
}

func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) doJSON(method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: %w", method, path, readAPIError(resp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ListEngines returns all loaded engines.
func (c *Client) ListEngines() ([]EngineInfo, error) {
	var engines []EngineInfo
	if err := c.doJSON(http.MethodGet, "/engines", nil, http.StatusOK, &engines); err != nil {
		return nil, err
	}
	return engines, nil
}

// LoadEngine registers a UOD file with the daemon.
func (c *Client) LoadEngine(path string) (*EngineInfo, error) {
	var info EngineInfo
	payload := map[string]string{"path": path}
	if err := c.doJSON(http.MethodPost, "/engines", payload, http.StatusCreated, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetEngine fetches a single engine by name.
func (c *Client) GetEngine(name string) (*EngineInfo, error) {
	var info EngineInfo
	if err := c.doJSON(http.MethodGet, "/engines/"+url.PathEscape(name), nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveEngine unloads an engine. The daemon refuses while it is running.
func (c *Client) RemoveEngine(name string) error {
	return c.doJSON(http.MethodDelete, "/engines/"+url.PathEscape(name), nil, http.StatusNoContent, nil)
}

// StartEngine launches the engine subprocess.
func (c *Client) StartEngine(name string) (*EngineInfo, error) {
	return c.engineAction(name, "start")
}

// StopEngine terminates the engine subprocess.
func (c *Client) StopEngine(name string) (*EngineInfo, error) {
	return c.engineAction(name, "stop")
}

// RestartEngine stops and relaunches the engine.
func (c *Client) RestartEngine(name string) (*EngineInfo, error) {
	return c.engineAction(name, "restart")
}

// ValidateEngine runs the engine in validation mode.
func (c *Client) ValidateEngine(name string) (*EngineInfo, error) {
	return c.engineAction(name, "validate")
}

func (c *Client) engineAction(name, action string) (*EngineInfo, error) {
	var info EngineInfo
	path := fmt.Sprintf("/engines/%s/%s", url.PathEscape(name), action)
	if err := c.doJSON(http.MethodPost, path, nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EngineLog fetches the captured console output of the current or most
// recent run.
func (c *Client) EngineLog(name string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/engines/%s/log", c.baseURL, url.PathEscape(name)), nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine log: %w", readAPIError(resp))
	}
	return io.ReadAll(resp.Body)
}

// GetSettings fetches the persisted daemon configuration.
func (c *Client) GetSettings() (*Settings, error) {
	var settings Settings
	if err := c.doJSON(http.MethodGet, "/settings", nil, http.StatusOK, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateSettings applies a partial settings change and returns the result.
func (c *Client) UpdateSettings(update SettingsUpdate) (*Settings, error) {
	var settings Settings
	if err := c.doJSON(http.MethodPut, "/settings", update, http.StatusOK, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// AggregatorURL returns the aggregator web address derived from settings.
func (c *Client) AggregatorURL() (string, error) {
	var body map[string]string
	if err := c.doJSON(http.MethodGet, "/aggregator/url", nil, http.StatusOK, &body); err != nil {
		return "", err
	}
	return body["url"], nil
}

// CheckAggregatorHealth asks the daemon to probe the aggregator.
func (c *Client) CheckAggregatorHealth() (*AggregatorHealth, error) {
	var health AggregatorHealth
	if err := c.doJSON(http.MethodGet, "/aggregator/health", nil, http.StatusOK, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetDaemonStatus fetches daemon metadata via REST.
func (c *Client) GetDaemonStatus() (map[string]any, error) {
	var status map[string]any
	if err := c.doJSON(http.MethodGet, "/daemon/status", nil, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// ShutdownDaemon requests a graceful daemon shutdown via the HTTP API.
// Without force the daemon refuses while engines are running.
func (c *Client) ShutdownDaemon(force bool) error {
	payload := map[string]bool{"force": force}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/daemon/shutdown", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	errResp := readAPIError(resp)
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("shutdown daemon: %w: %w", ErrEnginesRunning, errResp)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return fmt.Errorf("shutdown daemon: %w: %w", ErrShutdownUnavailable, errResp)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("shutdown daemon unauthorized: %w", errResp)
	}
	return fmt.Errorf("shutdown daemon: %w", errResp)
}

// AttachEngine establishes a WebSocket stream for the given engine.
// Buffered history from the current run is delivered first.
func (c *Client) AttachEngine(engineName string) error {
	if err := c.openWebSocket(engineName); err != nil {
		return err
	}

	attachMsg := map[string]any{
		"type": "attach",
		"data": engineName,
	}
	if err := c.writeJSON(attachMsg); err != nil {
		return fmt.Errorf("attach engine: %w", err)
	}
	return nil
}

// DetachEngine closes the active WebSocket stream, if any.
func (c *Client) DetachEngine() error {
	c.mu.Lock()
	conn := c.wsConn
	engineName := c.engineName
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.wsConn = nil
	c.engineName = ""
	c.outputCh = nil
	c.controlCh = nil
	c.errCh = nil
	c.mu.Unlock()

	detachMsg := map[string]any{
		"type": "detach",
		"data": engineName,
	}

	c.wsWriteMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(detachMsg)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	c.wsWriteMu.Unlock()

	return conn.Close()
}

// StreamOutput streams engine console output until the run ends, the
// stream errors, or the context is cancelled.
func (c *Client) StreamOutput(ctx context.Context, dst io.Writer) error {
	c.mu.Lock()
	outputCh := c.outputCh
	controlCh := c.controlCh
	errCh := c.errCh
	c.mu.Unlock()

	if outputCh == nil || controlCh == nil || errCh == nil {
		return errors.New("client: no active engine stream")
	}

	for {
		select {
		case chunk, ok := <-outputCh:
			if !ok {
				select {
				case err, ok := <-errCh:
					if ok && err != nil {
						return err
					}
				default:
				}
				return nil
			}
			if len(chunk) > 0 {
				if _, err := dst.Write(chunk); err != nil {
					return err
				}
			}
		case ctrl, ok := <-controlCh:
			if !ok {
				return nil
			}
			switch ctrl.kind {
			case controlStopped:
				return nil
			case controlError:
				if ctrl.message == "" {
					ctrl.message = "engine stream error"
				}
				return errors.New(ctrl.message)
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				return err
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) openWebSocket(engineName string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	outputCh := make(chan []byte, 128)
	controlCh := make(chan streamControl, 8)
	errCh := make(chan error, 1)

	c.mu.Lock()
	if c.wsConn != nil {
		_ = c.wsConn.Close()
	}
	c.wsConn = conn
	c.engineName = engineName
	c.outputCh = outputCh
	c.controlCh = controlCh
	c.errCh = errCh
	c.mu.Unlock()

	go c.readLoop(conn, engineName, outputCh, controlCh, errCh)
	return nil
}

func (c *Client) writeJSON(payload interface{}) error {
	c.mu.Lock()
	conn := c.wsConn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("client: websocket connection not established")
	}

	c.wsWriteMu.Lock()
	defer c.wsWriteMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(payload)
}

func (c *Client) readLoop(conn *websocket.Conn, engineName string, outputCh chan<- []byte, controlCh chan<- streamControl, errCh chan<- error) {
	defer close(outputCh)
	defer close(controlCh)
	defer close(errCh)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				errCh <- err
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := handleBinaryFrame(payload, engineName, outputCh); err != nil {
				errCh <- err
				return
			}
		case websocket.TextMessage:
			handleJSONMessage(payload, engineName, controlCh)
		}
	}
}

func handleBinaryFrame(frame []byte, engineName string, outputCh chan<- []byte) error {
	name, payload, err := decodeBinaryFrame(frame)
	if err != nil {
		return err
	}
	if name != "" && name != engineName {
		return nil
	}
	if len(payload) == 0 {
		return nil
	}
	select {
	case outputCh <- payload:
	default:
	}
	return nil
}

func handleJSONMessage(frame []byte, engineName string, controlCh chan<- streamControl) {
	var msg wsInbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		return
	}

	switch strings.ToLower(msg.Type) {
	case "engine_stopped":
		if msg.Engine == "" || msg.Engine == engineName {
			pushControl(controlCh, streamControl{kind: controlStopped})
		}
	case "engine_removed":
		if msg.Engine == "" || msg.Engine == engineName {
			pushControl(controlCh, streamControl{kind: controlStopped})
		}
	case "error":
		var details string
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &details); err != nil {
				details = strings.TrimSpace(string(msg.Data))
			}
		}
		if details == "" {
			details = "engine stream error"
		}
		pushControl(controlCh, streamControl{kind: controlError, message: details})
	}
}

func pushControl(ch chan<- streamControl, ctrl streamControl) {
	select {
	case ch <- ctrl:
	default:
	}
}

func decodeBinaryFrame(frame []byte) (string, []byte, error) {
	if len(frame) < frameHeaderSize {
		return "", nil, fmt.Errorf("frame too short")
	}
	if frame[0] != frameMagic || frame[1] != frameTypeOutput {
		return "", nil, fmt.Errorf("unexpected frame header")
	}
	nameLen := int(binary.LittleEndian.Uint16(frame[2:4]))
	if frameHeaderSize+nameLen > len(frame) {
		return "", nil, fmt.Errorf("invalid frame length")
	}
	engineName := string(frame[frameHeaderSize : frameHeaderSize+nameLen])
	payload := make([]byte, len(frame)-frameHeaderSize-nameLen)
	copy(payload, frame[frameHeaderSize+nameLen:])
	return engineName, payload, nil
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return false
}
