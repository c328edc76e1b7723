// Package server exposes tweets, likes and cache statistics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/rzpsarthak13/likebatch/pkg/likebatch"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Registry registers collectors and serves them on /metrics.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

type options struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option configures the server.
type Option func(*options)

// WithListen sets the listen address.
func WithListen(addr string) Option {
	return func(o *options) {
		o.addr = addr
	}
}

// WithTimeouts sets the read, write and graceful shutdown timeouts. Zero
// values keep the defaults.
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(o *options) {
		if read > 0 {
			o.readTimeout = read
		}
		if write > 0 {
			o.writeTimeout = write
		}
		if shutdown > 0 {
			o.shutdownTimeout = shutdown
		}
	}
}

// Server serves the tweet API. Reads of tweets go through the client's read
// cache; likes go to the client's intake and never touch the primary store.
type Server struct {
	client  *likebatch.Client
	router  *mux.Router
	handler http.Handler
	logger  *logrus.Entry
	metrics *metricsMiddleware
	opts    options

	httpServer *http.Server
}

// New creates a server and registers its routes.
func New(client *likebatch.Client, logger *logrus.Logger, registry Registry, opts ...Option) *Server {
	o := options{
		addr:            ":8080",
		readTimeout:     10 * time.Second,
		writeTimeout:    10 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		client:  client,
		router:  mux.NewRouter(),
		logger:  logger.WithField("component", "http"),
		metrics: newMetricsMiddleware(registry),
		opts:    o,
	}
	s.registerRoutes(registry)

	recovery := negroni.NewRecovery()
	recovery.Logger = s.logger
	recovery.PrintStack = false
	n := negroni.New(recovery)
	n.UseHandler(s.router)
	s.handler = n

	s.httpServer = &http.Server{
		Addr:         o.addr,
		Handler:      s.handler,
		ReadTimeout:  o.readTimeout,
		WriteTimeout: o.writeTimeout,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.handler.ServeHTTP(w, req)
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/api/tweets", s.metrics.Handler("create_tweet", s.handleCreateTweet)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/tweets", s.metrics.Handler("list_tweets", s.handleListTweets)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tweets/search", s.metrics.Handler("search_tweets", s.handleSearchTweets)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tweets/hashtag/search", s.metrics.Handler("search_hashtags", s.handleSearchHashtags)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tweets/{id:[0-9]+}", s.metrics.Handler("get_tweet", s.handleGetTweet)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tweets/{id:[0-9]+}", s.metrics.Handler("update_tweet", s.handleUpdateTweet)).Methods(http.MethodPatch)
	s.router.HandleFunc("/api/tweets/{id:[0-9]+}", s.metrics.Handler("delete_tweet", s.handleDeleteTweet)).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/tweets/{id:[0-9]+}/like", s.metrics.Handler("like_tweet", s.handleLike)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/tweets/{id:[0-9]+}/likes", s.metrics.Handler("tweet_likes", s.handleLikes)).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/cache-stats", s.metrics.Handler("cache_stats", s.handleCacheStats)).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Start listens and serves until Stop. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.opts.addr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to the shutdown timeout for
// requests in flight.
func (s *Server) Stop(reason error) {
	s.logger.WithField("reason", reason).Info("stopping http server")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("http server did not shut down cleanly")
	}
}
