package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openpectus/enginemgr/internal/engine"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Engine    string      `json:"engine,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	binaryMagic       = 0xBF
	binaryFrameOutput = 0x01
)

type outboundMessage struct {
	messageType int
	payload     []byte
}

// Client represents a WebSocket client
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan outboundMessage
	server      *Server
	engineSinks map[string]*WebSocketSink // Track sinks per engine
	mu          sync.RWMutex
}

// WebSocketSink streams engine console output to a WebSocket client.
type WebSocketSink struct {
	client     *Client
	engineName string
	utf8acc    *utf8Accumulator
}

func (ws *WebSocketSink) Write(data []byte) error {
	chunk := ws.utf8acc.Take(data)
	if len(chunk) == 0 {
		return nil
	}

	frame := encodeBinaryFrame(ws.engineName, chunk)
	message := outboundMessage{
		messageType: websocket.BinaryMessage,
		payload:     frame,
	}

	select {
	case ws.client.send <- message:
	default:
		// Client's send channel is full, skip
	}

	return nil
}

// utf8Accumulator holds back incomplete multi-byte sequences so frames
// always carry valid UTF-8.
type utf8Accumulator struct {
	mu      sync.Mutex
	pending []byte
}

func (u *utf8Accumulator) Take(data []byte) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(data) == 0 && len(u.pending) == 0 {
		return nil
	}

	buf := append(append([]byte{}, u.pending...), data...)
	if len(buf) == 0 {
		return nil
	}

	var out bytes.Buffer
	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 && !utf8.FullRune(buf[i:]) {
			break
		}
		out.Write(buf[i : i+size])
		i += size
	}

	if i < len(buf) {
		u.pending = append(u.pending[:0], buf[i:]...)
	} else {
		u.pending = u.pending[:0]
	}

	return out.Bytes()
}

// Server manages WebSocket connections and engine output streaming
type Server struct {
	engineManager *engine.Manager
	clients       map[*Client]bool
	broadcast     chan outboundMessage
	register      chan *Client
	unregister    chan *Client
	upgrader      websocket.Upgrader
	mu            sync.RWMutex
}

// NewServer creates a new WebSocket server.
// The originAllowed function is used to validate the Origin header on upgrade requests.
func NewServer(engineManager *engine.Manager, originAllowed func(string) bool) *Server {
	return &Server{
		engineManager: engineManager,
		clients:       make(map[*Client]bool),
		broadcast:     make(chan outboundMessage, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
}

// GetClientCount returns the number of connected clients (thread-safe)
func (s *Server) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run starts the WebSocket server event loop
func (s *Server) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

			// Send current engines list to new client
			s.sendEnginesList(client)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				// Detach from all engines
				client.detachAll()
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()

		case message := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, skip
				}
			}
			s.mu.RUnlock()
		}
	}
}

// HandleWebSocket handles WebSocket connection upgrades
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan outboundMessage, 1024),
		server:      s,
		engineSinks: make(map[string]*WebSocketSink),
	}

	s.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// sendEnginesList sends the current engines list to a client
func (s *Server) sendEnginesList(client *Client) {
	if s.engineManager == nil {
		return
	}

	msg := Message{
		Type:      "engines_list",
		Data:      s.engineManager.List(),
		Timestamp: time.Now(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling engines list: %v", err)
		return
	}

	select {
	case client.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
		// Client's send channel is full
	}
}

// BroadcastEngineEvent broadcasts engine lifecycle events
func (s *Server) BroadcastEngineEvent(eventType string, engineName string, data interface{}) {
	msg := Message{
		Type:      eventType,
		Engine:    engineName,
		Data:      data,
		Timestamp: time.Now(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}

	s.broadcast <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			// Currently we ignore non-text messages from clients
			continue
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error parsing message: %v", err)
			continue
		}

		switch msg.Type {
		case "attach":
			if engineName, ok := msg.Data.(string); ok {
				c.attachToEngine(engineName)
			}

		case "detach":
			if engineName, ok := msg.Data.(string); ok {
				c.detachFromEngine(engineName)
			}

		case "list":
			c.server.sendEnginesList(c)
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.messageType, message.payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// attachToEngine attaches client to an engine for output streaming
func (c *Client) attachToEngine(engineName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Printf("[WebSocket] Client attempting to attach to engine %s", engineName)

	// Check if already attached - if so, just return (don't re-attach)
	if _, exists := c.engineSinks[engineName]; exists {
		log.Printf("[WebSocket] Client already attached to engine %s, skipping re-attach", engineName)
		return
	}

	if c.server.engineManager == nil {
		c.sendError("engine manager unavailable")
		return
	}

	sink := &WebSocketSink{
		client:     c,
		engineName: engineName,
		utf8acc:    &utf8Accumulator{},
	}

	// Attach with run history so the viewer sees the whole run
	if err := c.server.engineManager.Attach(engineName, sink); err != nil {
		c.sendError(fmt.Sprintf("Failed to attach to engine: %v", err))
		return
	}

	c.engineSinks[engineName] = sink

	msg := Message{
		Type:      "attached",
		Engine:    engineName,
		Timestamp: time.Now(),
	}

	jsonData, _ := json.Marshal(msg)
	select {
	case c.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
	}
}

// detachFromEngine detaches client from an engine
func (c *Client) detachFromEngine(engineName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sink, exists := c.engineSinks[engineName]
	if !exists {
		log.Printf("[WebSocket] Client not attached to engine %s, skipping detach", engineName)
		return
	}

	if c.server.engineManager != nil {
		if err := c.server.engineManager.Detach(engineName, sink); err != nil {
			log.Printf("[WebSocket] detach from engine %s: %v", engineName, err)
		}
	}
	delete(c.engineSinks, engineName)

	msg := Message{
		Type:      "detached",
		Engine:    engineName,
		Timestamp: time.Now(),
	}

	jsonData, _ := json.Marshal(msg)
	select {
	case c.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
	}
}

// detachAll detaches from all engines
func (c *Client) detachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for engineName, sink := range c.engineSinks {
		if c.server.engineManager != nil {
			if err := c.server.engineManager.Detach(engineName, sink); err != nil {
				log.Printf("[WebSocket] detach from engine %s: %v", engineName, err)
			}
		}
	}
	c.engineSinks = make(map[string]*WebSocketSink)
}

// sendError sends an error message to the client
func (c *Client) sendError(errMsg string) {
	msg := Message{
		Type:      "error",
		Data:      errMsg,
		Timestamp: time.Now(),
	}

	jsonData, _ := json.Marshal(msg)
	select {
	case c.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
	}
}

const binaryHeaderSize = 4

// encodeBinaryFrame packs an output chunk as
// [magic, frame type, name length (LE uint16), name, payload].
func encodeBinaryFrame(engineName string, payload []byte) []byte {
	nameBytes := []byte(engineName)
	totalLen := binaryHeaderSize + len(nameBytes) + len(payload)
	frame := make([]byte, totalLen)

	frame[0] = binaryMagic
	frame[1] = binaryFrameOutput
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(nameBytes)))
	copy(frame[binaryHeaderSize:], nameBytes)
	copy(frame[binaryHeaderSize+len(nameBytes):], payload)

	return frame
}

// DecodeBinaryFrame splits a binary output frame into engine name and
// payload. Returns ok=false for frames that do not match the format.
func DecodeBinaryFrame(frame []byte) (engineName string, payload []byte, ok bool) {
	if len(frame) < binaryHeaderSize || frame[0] != binaryMagic || frame[1] != binaryFrameOutput {
		return "", nil, false
	}
	nameLen := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) < binaryHeaderSize+nameLen {
		return "", nil, false
	}
	name := string(frame[binaryHeaderSize : binaryHeaderSize+nameLen])
	return name, frame[binaryHeaderSize+nameLen:], true
}
