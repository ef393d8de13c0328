// Package server - Router und Server-Setup fuer den Caption-Server
// Beinhaltet: Server-Struct, Router-Registrierung, Serve()
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/envconfig"
	"github.com/ollama/caption/huggingface"
	"github.com/ollama/caption/logutil"
	"github.com/ollama/caption/onnx"
	"github.com/ollama/caption/registry"
	"github.com/ollama/caption/store"
	"github.com/ollama/caption/version"
)

var mode string = gin.DebugMode

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// Server haelt Modelle, Cache und Limits
type Server struct {
	addr     net.Addr
	builders *registry.Registry[caption.Builder]
	models   *Models
	cache    *store.Store
	maxBatch int
	timeout  time.Duration
}

// Option konfiguriert einen Server
type Option func(*Server)

// WithCache setzt den Caption-Cache (nil = kein Cache)
func WithCache(s *store.Store) Option {
	return func(srv *Server) { srv.cache = s }
}

// WithMaxBatch begrenzt die Bilder pro Anfrage (0 = unbegrenzt)
func WithMaxBatch(n int) Option {
	return func(srv *Server) { srv.maxBatch = n }
}

// WithTimeout setzt das Timeout pro Anfrage (0 = keins)
func WithTimeout(d time.Duration) Option {
	return func(srv *Server) { srv.timeout = d }
}

// WithAddr setzt die Listen-Adresse fuer die Host-Pruefung
func WithAddr(addr net.Addr) Option {
	return func(srv *Server) { srv.addr = addr }
}

// New erstellt einen Server. Limits kommen aus der Umgebung, Optionen haben Vorrang.
func New(builders *registry.Registry[caption.Builder], models *Models, opts ...Option) *Server {
	s := &Server{
		builders: builders,
		models:   models,
		maxBatch: int(envconfig.MaxBatch()),
		timeout:  envconfig.RequestTimeout(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
		requestIDHeader,
	}
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
		requestIDMiddleware(),
	)

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Caption is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Caption is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	// Models
	r.GET("/api/models", s.ModelsHandler)

	// Inference
	r.POST("/api/caption", s.CaptionHandler)
	r.POST("/api/loss", s.LossHandler)

	return r
}

// Builders erstellt die Modell-Registry mit BLIP-Caption und den ONNX Backends
func Builders(client *huggingface.Client) (*registry.Registry[caption.Builder], error) {
	comps := caption.NewComponents(client)
	if err := onnx.Register(comps, onnx.WithHub(client)); err != nil {
		return nil, err
	}

	builders := registry.New[caption.Builder]("model")
	if err := caption.Register(builders, comps); err != nil {
		return nil, err
	}
	return builders, nil
}

// Serve startet den HTTP-Server und blockiert bis SIGINT/SIGTERM
func Serve(ln net.Listener) error {
	logutil.Setup(os.Stderr, envconfig.LogLevel())
	slog.Info("server config", "env", envconfig.Values())

	builders, err := Builders(huggingface.NewClient())
	if err != nil {
		return err
	}

	var cache *store.Store
	if path := envconfig.CacheDB(); path != "" {
		cache, err = store.Open(path)
		if err != nil {
			slog.Warn("caption cache unavailable", "path", path, "error", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	models := NewModels(ConfigLoader(builders))
	defer func() {
		if err := models.Close(); err != nil {
			slog.Warn("unloading models", "error", err)
		}
		if err := onnx.DestroyRuntime(); err != nil {
			slog.Debug("destroy onnx runtime", "error", err)
		}
	}()

	s := New(builders, models, WithAddr(ln.Addr()), WithCache(cache))
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	ctx, done := context.WithCancel(context.Background())
	defer done()

	// listen for a ctrl+c and stop the server
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
		case <-ctx.Done():
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srvr.Shutdown(shutdownCtx)
		done()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err = srvr.Serve(ln)
	// If server is closed from the signal handler, wait for the ctx to be done
	// otherwise error out quickly
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}
