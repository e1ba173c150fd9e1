package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Controller is the narrow view of a running simulation the UI is allowed
// to steer: pause/resume/step the cooperative scheduler, or request a
// clean stop.
type Controller interface {
	Pause()
	Resume()
	Step()
	RequestStop()
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub        *Hub
	controller Controller

	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte
}

// readPump pumps control messages from the websocket connection to the
// Controller. A broken connection is detected by a write failure in
// writePump, so no read deadline is set here.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		var msg UIMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("error unmarshalling message: %v", err)
			continue
		}

		if msg.Type != "command" {
			log.Printf("unknown message type received: %s", msg.Type)
			continue
		}
		switch msg.Command {
		case "pause":
			c.controller.Pause()
		case "resume":
			c.controller.Resume()
		case "step":
			c.controller.Step()
		case "stop":
			c.controller.RequestStop()
		default:
			log.Printf("unknown command received: %s", msg.Command)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection. A
// goroutine running writePump is started for each connection; it is the
// only place that should write to the connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("write error, closing connection: %v", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan []byte
	Register   chan *Client
	Unregister chan *Client
}

// UIMessage is the structure of incoming JSON control messages from the UI.
type UIMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		Broadcast:  make(chan []byte, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run starts the Hub's message-handling loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.Broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop the message rather than block the
					// whole hub or disconnect. A truly dead connection is
					// caught by writePump's deadline.
				}
			}
		}
	}
}

// handleWebSocket upgrades an HTTP connection and registers a Client.
func handleWebSocket(hub *Hub, controller Controller, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("upgrade error:", err)
		return
	}
	client := &Client{hub: hub, controller: controller, conn: conn, send: make(chan []byte, 256)}
	client.hub.Register <- client

	go client.writePump()
	go client.readPump()
}

// serveIndex serves the dashboard HTML file, if present.
func serveIndex(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat("index.html"); os.IsNotExist(err) {
		http.Error(w, "index.html not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, "index.html")
}

// StartServer initializes HTTP routes and starts the web server.
func StartServer(addr string, hub *Hub, controller Controller) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(hub, controller, w, r)
	})
	mux.HandleFunc("/", serveIndex)

	log.Printf("starting progress server on http://%s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("ListenAndServe error: ", err)
	}
}
