package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/UnitedCTF/zync/internal/loadtest"
)

func main() {
	var cfg loadtest.Config
	var challengeID uint64

	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "Tracker base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT secret (defaults to JWT_SECRET env var)")
	flag.Uint64Var(&challengeID, "challenge", 1, "Challenge ID to deploy")
	flag.StringVar(&cfg.Role, "role", "user", "JWT role claim")
	flag.BoolVar(&cfg.TeamsMode, "teams", false, "Issue team-scoped tokens")
	flag.IntVar(&cfg.Users, "users", 500, "Number of users to simulate")
	flag.IntVar(&cfg.Concurrency, "concurrency", 500, "Number of concurrent workers")
	flag.IntVar(&cfg.UserStart, "user-start", 1, "First user ID")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 20*time.Second, "HTTP request timeout")
	flag.BoolVar(&cfg.InsecureTLS, "insecure", false, "Skip TLS verification")
	flag.StringVar(&cfg.PhasesCSV, "phases", "deploy", "Comma-separated phases: deploy,status,terminate")

	flag.Parse()
	cfg.ChallengeID = uint(challengeID)

	if err := loadtest.Run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest error: %v\n", err)
		os.Exit(1)
	}
}
