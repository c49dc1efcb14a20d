package main

import (
	"context"
	"os"
	"time"

	"github.com/kapy-chat/kapy-core/activity"
	"github.com/kapy-chat/kapy-core/calls"
	"github.com/kapy-chat/kapy-core/filevault"
	"github.com/kapy-chat/kapy-core/gateway"
	"github.com/kapy-chat/kapy-core/notify"
	"github.com/kapy-chat/kapy-core/objectstore"
	"github.com/kapy-chat/kapy-core/presence"
	"github.com/kapy-chat/kapy-core/pushapi"
	"github.com/kapy-chat/kapy-core/router"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/rs/zerolog"
)

// Config holds the runtime settings of the server, read from the
// environment. MasterSecret feeds both the signed-URL key and the connect
// token key through independent HKDF derivations.
type Config struct {
	Address       string
	MongoURI      string
	MongoDatabase string
	MasterSecret  string
	PublicBaseURL string
	LogLevel      string
	S3            objectstore.S3Config
	FCMServerKey  string
}

func env(name string, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func loadConfig() Config {
	return Config{
		Address:       env("KAPY_ADDRESS", ":8080"),
		MongoURI:      env("KAPY_MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDatabase: env("KAPY_MONGO_DATABASE", "kapy"),
		MasterSecret:  os.Getenv("KAPY_MASTER_SECRET"),
		PublicBaseURL: env("KAPY_PUBLIC_BASE_URL", "http://127.0.0.1:8080/files"),
		LogLevel:      env("KAPY_LOG_LEVEL", "info"),
		S3: objectstore.S3Config{
			Region:       env("KAPY_S3_REGION", "us-east-1"),
			BaseEndpoint: os.Getenv("KAPY_S3_ENDPOINT"),
			Bucket:       env("KAPY_S3_BUCKET", "kapy-files"),
			AccessKey:    os.Getenv("KAPY_S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("KAPY_S3_SECRET_KEY"),
		},
		FCMServerKey: os.Getenv("KAPY_FCM_SERVER_KEY"),
	}
}

func main() {
	config := loadConfig()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err == nil {
		logger = logger.Level(level)
	}

	if len(config.MasterSecret) < 32 {
		logger.Fatal().Msg("KAPY_MASTER_SECRET must be set to at least 32 bytes")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	documentStore, err := store.NewMongoStore(ctx, config.MongoURI, config.MongoDatabase)
	if err != nil {
		logger.Fatal().Str("stack", utils.Stack(err)).Msg("Could not connect to the document store")
	}
	objects, err := objectstore.NewS3Store(ctx, config.S3, logger)
	if err != nil {
		logger.Fatal().Str("stack", utils.Stack(err)).Msg("Could not initialize the object store")
	}
	signer, err := filevault.NewSigner([]byte(config.MasterSecret), config.PublicBaseURL)
	if err != nil {
		logger.Fatal().Str("stack", utils.Stack(err)).Msg("Could not derive the URL signing key")
	}
	auth, err := gateway.NewTokenAuthority([]byte(config.MasterSecret))
	if err != nil {
		logger.Fatal().Str("stack", utils.Stack(err)).Msg("Could not derive the connect token key")
	}

	vault := filevault.New(filevault.Options{
		Store:   documentStore,
		Objects: objects,
		Signer:  signer,
		Logger:  logger,
	})
	registry := presence.NewRegistry(presence.Options{Logger: logger})
	tracker := activity.NewTracker(activity.Options{Logger: logger})
	defer tracker.Close()
	eventRouter := router.New(registry, documentStore, logger)
	dispatcher := notify.NewDispatcher(notify.Options{
		Store:   documentStore,
		Tracker: tracker,
		Router:  eventRouter,
		Push:    pushapi.NewClient(pushapi.Options{FCMServerKey: config.FCMServerKey, Logger: logger}),
		Logger:  logger,
	})
	callService := calls.NewService(calls.Options{
		Store:      documentStore,
		Router:     eventRouter,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	app := gateway.New(gateway.Options{
		Registry:   registry,
		Tracker:    tracker,
		Router:     eventRouter,
		Calls:      callService,
		Vault:      vault,
		Dispatcher: dispatcher,
		Store:      documentStore,
		Auth:       auth,
		Logger:     logger,
	}).App()

	logger.Info().Str("address", config.Address).Msg("Server listening")
	err = app.Listen(config.Address)
	if err != nil {
		logger.Fatal().Str("stack", utils.Stack(err)).Msg("Server stopped")
	}
}
