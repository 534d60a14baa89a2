// Command seed loads development fixtures into the account store:
// a couple of local accounts with usable passwords and one account
// pre-linked to a federated provider. Idempotent across runs.
package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/config"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/security/password"
)

func strEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.dev")

	cfgPath := strEnv("CONFIG_PATH", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("config: %v (falling back to STORAGE_DSN)", err)
	}

	dsn := strings.TrimSpace(os.Getenv("STORAGE_DSN"))
	if dsn == "" && cfg != nil {
		dsn = cfg.Storage.DSN
	}
	if dsn == "" {
		log.Fatal("no DSN (STORAGE_DSN or config.yaml)")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("pgxpool: %v", err)
	}
	defer pool.Close()

	adminUser := strEnv("SEED_ADMIN_USERNAME", "admin")
	adminEmail := strEnv("SEED_ADMIN_EMAIL", "admin@local.test")
	adminPass := strEnv("SEED_ADMIN_PASSWORD", "SuperS3cret!")

	plainUser := strEnv("SEED_USER_USERNAME", "jane.doe")
	plainEmail := strEnv("SEED_USER_EMAIL", "jane.doe@local.test")
	plainPass := strEnv("SEED_USER_PASSWORD", "CorrectHorseBatteryStaple1!")

	fedUser := strEnv("SEED_FEDERATED_USERNAME", "john.smith")
	fedEmail := strEnv("SEED_FEDERATED_EMAIL", "john.smith@local.test")
	fedProvider := strEnv("SEED_FEDERATED_PROVIDER", "dev-idp")
	fedSubject := strEnv("SEED_FEDERATED_SUBJECT", "seed-subject-1")

	upsertAccount := func(username, email, plain string) string {
		phc := ""
		if plain != "" {
			var err error
			phc, err = password.Hash(password.Default, plain)
			if err != nil {
				log.Fatalf("hash password for %s: %v", username, err)
			}
		}
		// No unique constraint on username, so upsert by hand. The
		// password hash is refreshed on every run.
		var id string
		err := pool.QueryRow(ctx, `
			SELECT id FROM account WHERE username = $1 AND active LIMIT 1
		`, username).Scan(&id)
		if err == nil {
			if _, err := pool.Exec(ctx, `
				UPDATE account SET email = $2, email_verified = TRUE, password_hash = $3
				WHERE id = $1
			`, id, email, phc); err != nil {
				log.Fatalf("update account %s: %v", username, err)
			}
			return id
		}
		if err := pool.QueryRow(ctx, `
			INSERT INTO account (username, email, email_verified, password_hash)
			VALUES ($1, $2, TRUE, $3)
			RETURNING id
		`, username, email, phc).Scan(&id); err != nil {
			log.Fatalf("insert account %s: %v", username, err)
		}
		return id
	}

	adminID := upsertAccount(adminUser, adminEmail, adminPass)
	userID := upsertAccount(plainUser, plainEmail, plainPass)
	fedID := upsertAccount(fedUser, fedEmail, "")

	if _, err := pool.Exec(ctx, `
		INSERT INTO federated_link (provider_id, subject, account_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_id, subject, account_id) DO NOTHING
	`, fedProvider, fedSubject, fedID); err != nil {
		log.Fatalf("insert federated link: %v", err)
	}

	log.Printf("seeded admin=%s user=%s federated=%s (%s/%s)",
		adminID, userID, fedID, fedProvider, fedSubject)
}
