// Package server hosts the HTTP listener shared by the raft transport, the
// cluster API and the client websocket endpoint.
package server

import (
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	. "github.com/PelionIoT/chanmesh/logging"
)

type ServerConfig struct {
	Host string
	// 0 picks a free port
	Port int
	// 0 means unlimited
	MaxConnections int
}

type Server struct {
	httpServer     *http.Server
	listener       net.Listener
	router         *mux.Router
	host           string
	port           int
	maxConnections int
	done           chan struct{}
	lock           sync.Mutex
}

func NewServer(serverConfig ServerConfig) *Server {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)

	return &Server{
		router:         r,
		host:           serverConfig.Host,
		port:           serverConfig.Port,
		maxConnections: serverConfig.MaxConnections,
	}
}

// Router is where the endpoints of each component get attached. Attach
// everything before calling Start.
func (server *Server) Router() *mux.Router {
	return server.router
}

func (server *Server) Port() int {
	server.lock.Lock()
	defer server.lock.Unlock()

	return server.port
}

// Listen binds the listener without serving so the port is known before the
// endpoints are ready.
func (server *Server) Listen() error {
	server.lock.Lock()
	defer server.lock.Unlock()

	return server.listen()
}

func (server *Server) listen() error {
	if server.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(server.host, strconv.Itoa(server.port)))

	if err != nil {
		Log.Errorf("Error listening on port %d: %v", server.port, err.Error())

		return err
	}

	if server.maxConnections > 0 {
		listener = netutil.LimitListener(listener, server.maxConnections)
	}

	server.listener = listener
	server.port = listener.Addr().(*net.TCPAddr).Port

	return nil
}

// Start serves in the background, binding the listener first if Listen was
// not called. Once it returns connections are accepted.
func (server *Server) Start() error {
	server.lock.Lock()
	defer server.lock.Unlock()

	if server.httpServer != nil {
		return nil
	}

	if err := server.listen(); err != nil {
		return err
	}

	server.done = make(chan struct{})
	server.httpServer = &http.Server{
		Handler:           server.router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	Log.Infof("Listening on port %d", server.port)

	go func(httpServer *http.Server, listener net.Listener, done chan struct{}) {
		err := httpServer.Serve(listener)

		if err != http.ErrServerClosed {
			Log.Errorf("Server shutting down. Reason: %v", err)
		}

		close(done)
	}(server.httpServer, server.listener, server.done)

	return nil
}

func (server *Server) Stop() error {
	server.lock.Lock()
	defer server.lock.Unlock()

	if server.httpServer == nil {
		if server.listener != nil {
			server.listener.Close()
			server.listener = nil
		}

		return nil
	}

	err := server.httpServer.Close()
	<-server.done
	server.httpServer = nil
	server.listener = nil

	return err
}
