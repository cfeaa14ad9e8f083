package worker

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/guardpost/internal/alarm"
)

// MessageType names a message exchanged between the worker and application
// clients.
type MessageType string

const (
	// Worker to client.
	MessageNewVersion    MessageType = "NEW_VERSION_AVAILABLE"
	MessageForceLogout   MessageType = "FORCE_LOGOUT"
	MessageNavigateAlarm MessageType = "NAVIGATE_TO_ALARM"
	MessageVersion       MessageType = "VERSION"

	// Client to worker.
	MessagePlayAlarm   MessageType = "PLAY_ALARM"
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageGetVersion  MessageType = "GET_VERSION"
)

// Message is the envelope posted to application clients.
type Message struct {
	Type    MessageType    `json:"type"`
	Version string         `json:"version,omitempty"`
	URL     string         `json:"url,omitempty"`
	Payload *alarm.Message `json:"payload,omitempty"`
}

// ErrInboxFull is returned when a client is not draining its messages.
var ErrInboxFull = errors.New("worker: client inbox full")

const defaultInboxSize = 32

// Client is one open application window.
type Client struct {
	id    string
	url   *url.URL
	inbox chan Message

	mu         sync.Mutex
	focused    bool
	controller string
	closed     bool
}

func (c *Client) ID() string               { return c.id }
func (c *Client) URL() string              { return c.url.String() }
func (c *Client) Messages() <-chan Message { return c.inbox }

func (c *Client) origin() string {
	return c.url.Scheme + "://" + c.url.Host
}

func (c *Client) Focused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// Controller is the worker version controlling the client, empty when none.
func (c *Client) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// post never blocks; the worker must not stall on a slow window.
func (c *Client) post(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("worker: client %s closed", c.id)
	}
	select {
	case c.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, c.id)
	}
}

// ClientRegistry tracks the open application clients in open order.
type ClientRegistry struct {
	mu        sync.Mutex
	clients   []*Client
	inboxSize int
}

// NewClientRegistry returns a registry whose clients buffer up to inboxSize
// undelivered messages. A non-positive size falls back to 32.
func NewClientRegistry(inboxSize ...int) *ClientRegistry {
	size := defaultInboxSize
	if len(inboxSize) > 0 && inboxSize[0] > 0 {
		size = inboxSize[0]
	}
	return &ClientRegistry{inboxSize: size}
}

// Open registers a new client at rawURL.
func (r *ClientRegistry) Open(rawURL string) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("worker: client url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("worker: client url %q must be absolute", rawURL)
	}
	client := &Client{id: uuid.NewString(), url: parsed, inbox: make(chan Message, r.inboxSize)}
	r.mu.Lock()
	r.clients = append(r.clients, client)
	r.mu.Unlock()
	return client, nil
}

// Close removes the client and closes its inbox.
func (r *ClientRegistry) Close(client *Client) {
	r.mu.Lock()
	for i, c := range r.clients {
		if c == client {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.closed {
		client.closed = true
		close(client.inbox)
	}
}

// Get looks a client up by id.
func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.id == id {
			return c, true
		}
	}
	return nil, false
}

// Match returns the clients under origin, controlled or not.
func (r *ClientRegistry) Match(origin string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.origin() == origin {
			out = append(out, c)
		}
	}
	return out
}

// Claim makes version the controller of every client under origin.
func (r *ClientRegistry) Claim(origin, version string) int {
	claimed := 0
	for _, c := range r.Match(origin) {
		c.mu.Lock()
		c.controller = version
		c.mu.Unlock()
		claimed++
	}
	return claimed
}

// Focus marks client as the focused window.
func (r *ClientRegistry) Focus(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.mu.Lock()
		c.focused = c == client
		c.mu.Unlock()
	}
}
