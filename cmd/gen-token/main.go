// Command gen-token prints a bearer token for a server running with
// AUTH0_TEST_MODE=1. The secret is read from TEST_JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api"
)

func main() {
	var (
		user     = flag.String("user", "dev-user", "subject of the token")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		audience = flag.String("audience", os.Getenv("AUTH0_AUDIENCE"), "aud claim")
		issuer   = flag.String("issuer", "", "iss claim")
	)
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET must be set")
	}
	if *ttl <= 0 {
		log.Fatal("ttl must be positive")
	}
	token, err := api.IssueTestToken([]byte(secret), *user, *audience, *issuer, *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Print(token)
}
