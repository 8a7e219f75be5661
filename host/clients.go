package host

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientCookie is the name of the cookie identifying a client.
const ClientCookie = "offline-cache-client"

type client struct {
	// version of the controlling worker, "" if uncontrolled
	version  string
	lastSeen time.Time
}

// Clients keeps track of the requesters seen by the host
// and of the worker version controlling each of them.
// Clients not seen within the TTL are considered closed.
type Clients struct {
	mutex   sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	clients map[string]*client
}

func NewClients(ttl time.Duration) *Clients {
	return &Clients{
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Identify returns the id of the client making the request.
// New clients get an id cookie set on the response.
func (c *Clients) Identify(w http.ResponseWriter, r *http.Request) string {
	id := ""
	if cookie, err := r.Cookie(ClientCookie); err == nil {
		if _, err := uuid.Parse(cookie.Value); err == nil {
			id = cookie.Value
		}
	}
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     ClientCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	cl, ok := c.clients[id]
	if !ok {
		cl = &client{}
		c.clients[id] = cl
	}
	cl.lastSeen = c.now()
	return id
}

// Controller returns the version controlling the client, "" if none.
func (c *Clients) Controller(id string) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if cl, ok := c.clients[id]; ok {
		return cl.version
	}
	return ""
}

// Control makes the client controlled by version.
func (c *Clients) Control(id, version string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if cl, ok := c.clients[id]; ok {
		cl.version = version
	}
}

// Claim makes every open client controlled by version.
func (c *Clients) Claim(ctx context.Context, version string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.expire()
	for _, cl := range c.clients {
		cl.version = version
	}
	return nil
}

// Release forgets the client, e.g. because its page was closed.
func (c *Clients) Release(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.clients, id)
}

// Count returns the number of open clients.
func (c *Clients) Count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.expire()
	return len(c.clients)
}

// Controlled returns the number of open clients controlled by version.
func (c *Clients) Controlled(version string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.expire()
	n := 0
	for _, cl := range c.clients {
		if cl.version == version {
			n++
		}
	}
	return n
}

// must hold mutex
func (c *Clients) expire() {
	if c.ttl <= 0 {
		return
	}
	cutoff := c.now().Add(-c.ttl)
	for id, cl := range c.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(c.clients, id)
		}
	}
}
