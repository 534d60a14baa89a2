// Package logger provides a singleton Zap logger with context-based scoping.
//
// Initialization (once, in main.go):
//
//	logger.Init(logger.Config{
//	    Env:   os.Getenv("APP_ENV"),   // "dev" or "prod"
//	    Level: os.Getenv("LOG_LEVEL"), // "debug", "info", "warn", "error"
//	})
//	defer logger.Sync()
//
// In controllers/services (with a context):
//
//	log := logger.From(ctx)
//	log.Info("processing callback", logger.Provider(slug))
//
// Without a context (falls back to the singleton):
//
//	logger.L().Info("application started")
package logger
