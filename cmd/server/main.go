package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	recordswebui "github.com/medcortex/records-web-ui"
	"github.com/medcortex/records-web-ui/internal/chat"
	"github.com/medcortex/records-web-ui/internal/handlers"
	"github.com/medcortex/records-web-ui/internal/models"
	"github.com/medcortex/records-web-ui/internal/services"
	"github.com/medcortex/records-web-ui/internal/upload"
	"gopkg.in/yaml.v3"
)

func main() {
	// Secrets like RECORDS_API_TOKEN may live in a .env next to the binary.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/recordswebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}
	if cfg.BackendURL == "" {
		log.Fatal("backendURL is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	session := models.Session{
		Token:     cfg.apiToken(),
		AccountID: cfg.AccountID,
	}
	records := services.NewRecords(cfg.BackendURL, session, logger)

	patientID := cfg.DefaultPatientID
	if patientID == "" {
		patientID, err = firstPatient(records)
		if err != nil {
			log.Fatal(fmt.Errorf("error picking default patient: %w", err))
		}
	}

	dbPath := filepath.Join(cfgPath, "conversations.db")
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening conversation archive: %w", err))
	}
	defer boltDB.Close()

	var titleGen handlers.TitleGenerator
	if cfg.TitleGenerator != nil {
		titleGen, err = cfg.TitleGenerator.titleGen(cfg.titlePrompt(), logger)
		if err != nil {
			log.Fatal(fmt.Errorf("error configuring title generator: %w", err))
		}
	}

	orchestrator := chat.New(records, session, patientID, logger)
	uploader := upload.NewUploader(records, logger)

	m, err := handlers.NewMain(orchestrator, records, uploader, boltDB, titleGen, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	// Serve static files
	staticFS, err := fs.Sub(recordswebui.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/patients/select", m.HandleSelectPatient)
	mux.HandleFunc("/sse", m.HandleSSE)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Println("Server starting on :" + port)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}

func firstPatient(records services.Records) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	patients, err := records.Patients(ctx)
	if err != nil {
		return "", err
	}
	if len(patients) == 0 {
		return "", fmt.Errorf("the account has no patient profiles")
	}
	return patients[0].ID, nil
}
