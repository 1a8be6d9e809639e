package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brentyi/viser-gradio-embed/api/handlers"
	"github.com/brentyi/viser-gradio-embed/internal/backend"
	"github.com/brentyi/viser-gradio-embed/internal/portalloc"
	"github.com/brentyi/viser-gradio-embed/internal/proxy"
	"github.com/brentyi/viser-gradio-embed/internal/registry"
	"github.com/brentyi/viser-gradio-embed/internal/relay"
)

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8080")
	minLocalPort := getEnvInt("MIN_LOCAL_PORT", 8000)
	maxLocalPort := getEnvInt("MAX_LOCAL_PORT", 9000)
	backendCmd := getEnv("BACKEND_CMD", "")

	if backendCmd == "" {
		log.Fatal("BACKEND_CMD is required (backend command template, {port} placeholder)")
	}

	// Initialize the port allocator for backend-local ports. These ports are
	// only used for loopback communication and need not be exposed.
	allocator, err := portalloc.New(minLocalPort, maxLocalPort)
	if err != nil {
		log.Fatalf("Failed to create port allocator: %v", err)
	}

	// Initialize the backend launcher and session registry
	launcher := backend.NewProcessLauncher(backendCmd)
	reg := registry.New(allocator, launcher)

	// Initialize proxy components
	forwarder := proxy.NewForwarder()
	wsRelay := relay.New()

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(reg)
	proxyHandler := handlers.NewProxyHandler(reg, forwarder, wsRelay)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// API routes
	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
	}

	// Proxy and embed routes live at the root: the embedding page loads
	// /proxy/{sessionId}/ directly in an iframe.
	proxyHandler.RegisterRoutes(r)
	sessionHandler.RegisterEmbedRoute(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// Graceful shutdown: Shutdown makes ListenAndServe return, and the main
	// path then tears down the sessions.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown: %v", err)
		}
	}()

	// Start server
	log.Printf("Starting server on port %s (backend ports %d-%d)", port, minLocalPort, maxLocalPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}

	if err := reg.Close(); err != nil {
		log.Printf("Session teardown: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default value.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("Invalid value for %s: %q", key, value)
	}
	return n
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
