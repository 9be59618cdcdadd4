package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/autostart"
	"github.com/scjtqs2/Termix-sub002/internal/config"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/handlers"
	"github.com/scjtqs2/Termix-sub002/internal/logging"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
	"github.com/scjtqs2/Termix-sub002/internal/sshfiles"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"github.com/scjtqs2/Termix-sub002/internal/sshstats"
	"github.com/scjtqs2/Termix-sub002/internal/sshterminal"
	"github.com/scjtqs2/Termix-sub002/internal/sshtunnel"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	env, err := crypto.InitMaster(config.Cfg.DataDir, config.Cfg.SystemSecret, database.GetSetting, database.SetSetting)
	if err != nil {
		log.Fatalf("Master key init: %v", err)
	}
	database.SetEnvelope(env)

	pool := sshpool.New(config.Cfg.MaxConnectionsPerHost)
	queue := sshpool.NewRequestQueue()
	collector := sshstats.NewCollector(pool, queue, time.Duration(config.Cfg.MetricsCacheTTLSec)*time.Second)
	engine := sshtunnel.NewEngine()
	files := sshfiles.NewManager()
	terminals := sshterminal.NewRegistry()

	handlers.Env = env
	handlers.JWTKey = env.SigningKey(config.Cfg.JWTSecret)
	handlers.Pool = pool
	handlers.Queue = queue
	handlers.Metrics = collector
	handlers.Tunnels = engine
	handlers.Files = files
	handlers.Terminals = terminals

	jobs := cron.New()
	jobs.AddFunc("@every 5m", pool.Janitor)
	jobs.AddFunc("@every 1m", func() {
		if n := env.Sessions().Sweep(); n > 0 {
			log.Printf("[crypto] evicted %d idle unlock sessions", n)
		}
	})
	jobs.AddFunc("@every 1m", collector.Sweep)
	jobs.AddFunc("@every 15s", func() {
		if err := database.Checkpoint(); err != nil {
			log.Printf("[database] checkpoint: %v", err)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	go func() {
		if n := autostart.Run(engine); n > 0 {
			log.Printf("[autostart] %d tunnels started", n)
		}
	}()

	r := buildRouter(env)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on :%d", config.Cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	engine.Shutdown(shutdownCtx)
	terminals.CloseAll()
	files.CloseAll()
	pool.Destroy()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := database.Checkpoint(); err != nil {
		log.Printf("[database] final checkpoint: %v", err)
	}
	log.Println("Server stopped")
}

func buildRouter(env *crypto.Envelope) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	// Public endpoints
	r.Post("/users/login", handlers.Login)
	r.Post("/users/register", handlers.Register)
	r.Get("/users/registration-allowed", handlers.RegistrationAllowed)
	r.Get("/users/count", handlers.UserCount)
	r.Post("/users/password-reset/initiate", handlers.PasswordResetInitiate)
	r.Post("/users/password-reset/verify", handlers.PasswordResetVerify)
	r.Post("/users/password-reset/complete", handlers.PasswordResetComplete)

	// Authenticated endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(handlers.JWTKey))

		r.Get("/users/me", handlers.Me)
		r.Post("/users/logout", handlers.Logout)

		r.Get("/alerts/dismissed", handlers.DismissedAlerts)
		r.Post("/alerts/dismiss", handlers.DismissAlert)

		r.Post("/database/export", handlers.DatabaseExport)

		// Liveness probes touch no sealed fields.
		r.Get("/status", handlers.ServerStatusAll)
		r.Get("/status/{id}", handlers.ServerStatus)
		r.Post("/refresh", handlers.RefreshStatus)

		// Everything below reads or writes sealed fields and needs a
		// live unlock session.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireDataAccess(env))

			r.Post("/users/totp/setup", handlers.TOTPSetup)
			r.Post("/users/totp/enable", handlers.TOTPEnable)
			r.Post("/users/totp/disable", handlers.TOTPDisable)

			r.Route("/ssh/db/host", func(r chi.Router) {
				r.Get("/", handlers.ListHosts)
				r.Post("/", handlers.CreateHost)
				r.Get("/{id}", handlers.GetHost)
				r.Put("/{id}", handlers.UpdateHost)
				r.Delete("/{id}", handlers.DeleteHost)
			})

			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", handlers.ListCredentials)
				r.Post("/", handlers.CreateCredential)
				r.Get("/{id}", handlers.GetCredential)
				r.Put("/{id}", handlers.UpdateCredential)
				r.Delete("/{id}", handlers.DeleteCredential)
			})

			r.Route("/ssh/tunnel", func(r chi.Router) {
				r.Post("/connect", handlers.TunnelConnect)
				r.Post("/disconnect", handlers.TunnelDisconnect)
				r.Post("/cancel", handlers.TunnelCancel)
				r.Get("/status", handlers.TunnelStatus)
			})

			r.Route("/ssh/file_manager", func(r chi.Router) {
				r.Post("/ssh/connect", handlers.FileManagerConnect)
				r.Post("/ssh/disconnect", handlers.FileManagerDisconnect)
				r.Get("/ssh/status", handlers.FileManagerStatus)
				r.Get("/ssh/listFiles", handlers.ListFiles)
				r.Get("/ssh/readFile", handlers.ReadFile)
				r.Post("/ssh/writeFile", handlers.WriteFile)
				r.Post("/ssh/uploadFile", handlers.UploadFile)
				r.Post("/ssh/createFile", handlers.CreateFile)
				r.Post("/ssh/createFolder", handlers.CreateFolder)
				r.Delete("/ssh/deleteItem", handlers.DeleteItem)
				r.Put("/ssh/renameItem", handlers.RenameItem)

				r.Get("/items/{id}", handlers.ListFileManagerItems)
				r.Post("/items", handlers.AddFileManagerItem)
				r.Delete("/items", handlers.RemoveFileManagerItem)
			})

			r.Get("/metrics/{id}", handlers.HostMetrics)

			r.Get("/ssh/terminal/{id}", handlers.TerminalWS)
			r.Get("/ssh/terminal/sessions", handlers.ListTerminalSessions)
			r.Delete("/ssh/terminal/sessions/{sessionId}", handlers.CloseTerminalSession)
		})

		// Admin-only
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/settings", handlers.GetSettings)
			r.Put("/settings", handlers.UpdateSettings)
			r.Get("/logs", handlers.ServerLogs)
			r.Post("/database/import", handlers.DatabaseImport)
		})
	})

	return r
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: termix --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	env, err := crypto.InitMaster(config.Cfg.DataDir, config.Cfg.SystemSecret, database.GetSetting, database.SetSetting)
	if err != nil {
		log.Fatalf("Master key init: %v", err)
	}
	database.SetEnvelope(env)

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	dek, err := crypto.NewDEK()
	if err != nil {
		log.Fatalf("Failed to generate data key: %v", err)
	}
	wrapped, err := crypto.WrapDEK(dek, *password)
	if err != nil {
		log.Fatalf("Failed to wrap data key: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			WrappedDEK:   wrapped,
			IsAdmin:      true,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		user.PasswordHash = hash
		user.WrappedDEK = wrapped
		if err := database.UpdateUser(user); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Fields sealed under the old password are no longer recoverable.\n", *username)
	}
}
