package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/ts-replay/internal/config"
	"github.com/technosupport/ts-replay/internal/tokens"
)

// token_gen mints a control API token signed with the configured key.
func main() {
	cfgPath := flag.String("config", "", "config file (defaults to the data root config)")
	subject := flag.String("sub", "operator", "token subject")
	role := flag.String("role", string(tokens.Operator), "viewer or operator")
	ttl := flag.Duration("ttl", tokens.DefaultTTL, "token lifetime")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.JWTSigningKey == "" {
		log.Fatal("No signing key configured (server.jwt_signing_key or REPLAY_JWT_SIGNING_KEY)")
	}

	mgr := tokens.NewManager(cfg.Server.JWTSigningKey).WithTTL(*ttl)
	token, err := mgr.Generate(*subject, tokens.Role(*role))
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}
	fmt.Println(token)
	log.Printf("[INFO] Token for %s (%s) expires %s", *subject, *role, time.Now().Add(*ttl).Format(time.RFC3339))
}
