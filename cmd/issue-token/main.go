package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/smarttransit/ticketing-engine/pkg/jwt"
)

// issue-token mints an access token for local testing of staff endpoints.
// Production tokens come from the identity service.
func main() {
	var (
		userID string
		phone  string
		roles  string
		ttl    time.Duration
	)
	flag.StringVar(&userID, "user", "", "user id (random when empty)")
	flag.StringVar(&phone, "phone", "0771234567", "phone number claim")
	flag.StringVar(&roles, "roles", jwt.RoleCashier, "comma separated roles")
	flag.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	id := uuid.New()
	if userID != "" {
		parsed, err := uuid.Parse(userID)
		if err != nil {
			log.Fatalf("invalid -user: %v", err)
		}
		id = parsed
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := jwt.NewService(secret, ttl).GenerateAccessToken(id, phone, roleList)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}
	fmt.Println(token)
}
