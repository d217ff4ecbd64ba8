package bus

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"steward/internal/logging"
	"steward/internal/observability"
	"steward/internal/observe"
	"steward/internal/tool"
)

// Server owns bus connections and the /ws upgrade endpoint.
type Server struct {
	authToken   string
	dispatcher  *tool.Dispatcher
	observables *observe.Registry
	metrics     *observability.Metrics
	logger      logging.Logger

	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*client]struct{}
	closed    bool
	heartbeat func()
}

// NewServer wires the bus. The auth token is the single shared secret; TLS
// and per-user auth belong upstream.
func NewServer(authToken string, dispatcher *tool.Dispatcher, observables *observe.Registry, metrics *observability.Metrics, logger logging.Logger) *Server {
	return &Server{
		authToken:   authToken,
		dispatcher:  dispatcher,
		observables: observables,
		metrics:     metrics,
		logger:      logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is the reverse proxy's job.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// SetHeartbeat installs a liveness callback invoked whenever a client
// authenticates or pings. The health surface uses it as the adapter
// heartbeat.
func (s *Server) SetHeartbeat(fn func()) {
	s.mu.Lock()
	s.heartbeat = fn
	s.mu.Unlock()
}

func (s *Server) recordHeartbeat() {
	s.mu.Lock()
	fn := s.heartbeat
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Router builds the gin engine serving the websocket endpoint.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	router.GET("/ws", s.handleUpgrade)
	return router
}

func (s *Server) handleUpgrade(c *gin.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	cl := newClient(s, conn)
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.BusConnections.Set(float64(count))
	}
	s.logger.Debug("client %s connected (%d total)", cl.id, count)

	cl.run(c.Request.Context())
}

func (s *Server) forget(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	count := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.BusConnections.Set(float64(count))
	}
	s.logger.Debug("client %s disconnected (%d remaining)", cl.id, count)
}

// ConnectionCount reports live connections for the health surface.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown stops accepting connections and closes the existing ones.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	for _, cl := range clients {
		cl.close()
	}
}
