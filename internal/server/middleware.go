package server

import (
	"fmt"
	"html"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

// RateLimiter keeps a token bucket per client address.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	// idle buckets older than this are dropped by the janitor
	idle time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter admits perSecond connections per address with bursts
// of up to burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    3 * time.Minute,
	}
}

// Allow reports whether a connection from addr may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[addr]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[addr] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for addr, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, addr)
		}
	}
}

func (rl *RateLimiter) run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// recovered turns a panic value into an error carrying the stack.
func recovered(v any) error {
	return &panicError{value: v, stack: debug.Stack()}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// sendFailure answers 500 with the error, and the stack for a panic,
// unless the response already went out.
func sendFailure(res *response.Response, err error) error {
	if res.Sent() {
		return nil
	}
	if rerr := res.Reset(); rerr != nil {
		return rerr
	}
	detail := err.Error()
	if pe, ok := err.(*panicError); ok {
		detail += "\n\n" + string(pe.stack)
	}
	markClose(res)
	res.DisableCaching()
	page := "<html><head><title>500</title></head><body><h3>Internal Server Error</h3><pre>" +
		html.EscapeString(detail) + "</pre></body></html>"
	return res.HTML(response.StatusInternalServerError, page)
}

// logRequest writes the access line of a finished request.
func (s *Server) logRequest(req *request.Request, res *response.Response, elapsed time.Duration) {
	log := s.log.Info
	if res.Status().IsError() {
		log = s.log.Warn
	}
	log("request handled",
		"request_id", req.ID(),
		"method", req.Method,
		"path", req.Path.String(),
		"status", int(res.Status()),
		"duration_ms", elapsed.Milliseconds(),
		"remote", req.RemoteAddress(),
	)
}
