package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/config"
	"golang.org/x/time/rate"
)

const (
	clientSweepInterval = 5 * time.Minute
	clientIdleTTL       = 10 * time.Minute
)

// clientLimiter holds per-client budgets: a request rate shared by the read
// endpoints and a cap on concurrently open event streams.
type clientLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientState
	limit      rate.Limit
	burst      int
	maxStreams int
}

type clientState struct {
	requests *rate.Limiter
	streams  int
	lastSeen time.Time
}

func newClientLimiter(cfg config.RateLimitConfig) *clientLimiter {
	rpm := max(cfg.RequestsPerMinute, 1)

	return &clientLimiter{
		clients:    make(map[string]*clientState, 64),
		limit:      rate.Limit(float64(rpm) / 60.0),
		burst:      rpm,
		maxStreams: max(cfg.MaxStreamsPerClient, 1),
	}
}

// state returns the entry for client. Callers hold mu.
func (cl *clientLimiter) state(client string, now time.Time) *clientState {
	st, ok := cl.clients[client]
	if !ok {
		st = &clientState{requests: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[client] = st
	}

	st.lastSeen = now

	return st
}

// allow reports whether a read request from client may proceed and, when
// it may not, how long until it could.
func (cl *clientLimiter) allow(client string) (bool, time.Duration) {
	now := time.Now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	res := cl.state(client, now).requests.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}

	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)

		return false, wait
	}

	return true, 0
}

// openStream counts an event stream against client. release must be called
// once the stream ends; ok is false when the client is at its cap.
func (cl *clientLimiter) openStream(client string) (release func(), ok bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	st := cl.state(client, time.Now())
	if st.streams >= cl.maxStreams {
		return nil, false
	}

	st.streams++

	var once sync.Once

	return func() {
		once.Do(func() {
			cl.mu.Lock()
			defer cl.mu.Unlock()

			st.streams--
			st.lastSeen = time.Now()
		})
	}, true
}

func (cl *clientLimiter) openStreams(client string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if st, ok := cl.clients[client]; ok {
		return st.streams
	}

	return 0
}

// sweep drops clients idle for longer than ttl. Clients with an open
// stream are kept.
func (cl *clientLimiter) sweep(ttl time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for client, st := range cl.clients {
		if st.streams == 0 && time.Since(st.lastSeen) > ttl {
			delete(cl.clients, client)
		}
	}
}

func (cl *clientLimiter) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return len(cl.clients)
}

func (cl *clientLimiter) run(done <-chan struct{}) {
	ticker := time.NewTicker(clientSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cl.sweep(clientIdleTTL)
		}
	}
}

// limitRequests rejects read requests over the client's rate with 429 and
// a Retry-After hint.
func (s *server) limitRequests(cl *clientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := cl.allow(clientAddr(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitStreams caps concurrently open event streams per client. Streams
// are long lived, so they are counted rather than rated.
func (s *server) limitStreams(cl *clientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)

			release, ok := cl.openStream(client)
			if !ok {
				s.log.WithField("client", client).Debug("Event stream cap reached")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"too many open event streams"})

				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr identifies the client: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote host.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
