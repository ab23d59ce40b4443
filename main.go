package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/tablebridge/internal/config"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

type App struct {
	cfg         *cfg.Config
	DB          DB
	upstream    Upstream
	auth        *Orchestrator
	refresher   *Refresher
	engine      *BulkEngine
	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	cipherKey, signingKey, err := DeriveKeys(c.SecretKey, c.TokenEncryptionKey)
	if err != nil {
		log.Fatalf("key derivation: %v", err)
	}
	cipher, err := NewTokenCipher(cipherKey)
	if err != nil {
		log.Fatalf("token cipher: %v", err)
	}

	// The stateless cookie mode needs no database at all; the session mode
	// picks its adapter the usual way.
	var db DB
	if c.AuthMode == "session" || c.StateMode == "stored" {
		switch c.DBAdapter {
		case "sqlite":
			s, err := NewSQLiteDB(c.SQLiteFile)
			if err != nil {
				log.Fatalf("sqlite init: %v", err)
			}
			db = s
		case "postgres":
			dsn, err := c.BuildPostgresDSN()
			if err != nil {
				log.Fatalf("postgres config error: %v", err)
			}

			// Apply migrations before connecting
			log.Println("Applying database migrations...")
			if err := ApplyMigrations("./migrations", dsn); err != nil {
				log.Printf("migrations warning: %v", err)
				// Don't fail if migrations already applied
				if err.Error() != "no change" {
					log.Printf("Migration error (continuing anyway): %v", err)
				}
			} else {
				log.Println("Migrations applied successfully")
			}

			p, err := NewPostgresDB(dsn)
			if err != nil {
				log.Fatalf("postgres init: %v", err)
			}
			db = p
			log.Println("Connected to PostgreSQL database")
		case "memory":
			log.Println("Using in-memory database (not recommended for production)")
			db = NewMemoryDB()
		default:
			log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	upstream := NewODataClient(c, httpClient)

	var states StateVerifier
	switch c.StateMode {
	case "signed":
		states = NewSignedStates(signingKey)
	case "stored":
		states = NewStoredStates(db)
	default:
		log.Fatalf("unsupported STATE_MODE: %s (supported: signed, stored)", c.StateMode)
	}

	var store TokenStore
	switch c.AuthMode {
	case "cookie":
		store = NewCookieTokenStore(cipher)
	case "session":
		store = NewSessionTokenStore(db, cipher, c.SessionTTL)
	default:
		log.Fatalf("unsupported AUTH_MODE: %s (supported: cookie, session)", c.AuthMode)
	}

	app := &App{
		cfg:       c,
		DB:        db,
		upstream:  upstream,
		auth:      NewOrchestrator(upstream, states, store, db, c.StateTTL),
		refresher: NewRefresher(upstream, store, c.RefreshMargin),
		engine:    NewBulkEngine(upstream, c.BulkConcurrency, c.ReplacePollInterval, c.ReplaceMaxWait),
	}

	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(app.Logging)
	r.Use(app.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := app.DB.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	// Login flow endpoints; no credential required yet
	auth := r.PathPrefix("/auth").Subrouter()
	auth.Use(app.RateLimit)
	auth.HandleFunc("/login", app.HandleLogin).Methods("GET")
	auth.HandleFunc("/callback", app.HandleCallback).Methods("GET")
	auth.HandleFunc("/logout", app.HandleLogout).Methods("POST")
	auth.HandleFunc("/me", app.HandleMe).Methods("GET")
	auth.HandleFunc("/status", app.HandleStatus).Methods("GET")

	// Table API; every route needs a fresh upstream credential
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(app.RequireCredential)
	v1.Use(app.RateLimit)

	v1.HandleFunc("/tables", app.HandleListTables).Methods("GET")
	v1.HandleFunc("/tables/{table}/rows", app.HandleGetRows).Methods("GET")
	v1.HandleFunc("/tables/{table}/rows", app.HandleCreateRow).Methods("POST")
	v1.HandleFunc("/tables/{table}/rows/batch", app.HandleBatchCreate).Methods("POST")
	v1.HandleFunc("/tables/{table}/rows/replace", app.HandleReplaceAll).Methods("PUT")
	v1.HandleFunc("/tables/{table}/rows/{key}", app.HandleGetRow).Methods("GET")
	v1.HandleFunc("/tables/{table}/rows/{key}", app.HandleUpdateRow).Methods("PATCH")
	v1.HandleFunc("/tables/{table}/rows/{key}", app.HandleDeleteRow).Methods("DELETE")
	v1.HandleFunc("/tables/{table}/count", app.HandleRowCount).Methods("GET")
	v1.HandleFunc("/tables/{table}/schema", app.HandleTableSchema).Methods("GET")

	// Expired sessions and state rows pile up otherwise.
	cleanupDone := make(chan struct{})
	if db != nil {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-cleanupDone:
					return
				case <-ticker.C:
					if err := db.DeleteExpired(time.Now()); err != nil {
						log.Printf("cleanup: %v", err)
					}
				}
			}
		}()
	}

	srv := &http.Server{Handler: r, Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 120 * time.Second}

	go func() {
		fmt.Println("Starting Go server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(cleanupDone)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}
