package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

func main() {
	var (
		userID    int
		tokenType string
		askSecret bool
	)
	flag.IntVar(&userID, "user", 0, "User ID the token is issued for")
	flag.StringVar(&tokenType, "type", string(service.TokenTypeCandidate), "Token type: candidate or proctor")
	flag.BoolVar(&askSecret, "prompt-secret", false, "Read the signing secret from the terminal even if JWT_SECRET is set")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── CLI Input ─────────────────────────────────────────────────────
	if userID <= 0 {
		fmt.Print("Enter User ID: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d", &userID); err != nil || userID <= 0 {
			fmt.Fprintln(os.Stderr, "Error: user ID must be a positive number")
			os.Exit(1)
		}
	}

	if askSecret || os.Getenv("JWT_SECRET") == "" {
		fmt.Fprint(os.Stderr, "Enter JWT secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading secret")
			os.Exit(1)
		}
		if len(secret) < 16 {
			fmt.Fprintln(os.Stderr, "Error: secret must be at least 16 characters")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	auth := service.NewAuthService(cfg)
	token, err := auth.IssueToken(userID, service.TokenType(tokenType))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Only the token goes to stdout so it can be captured by scripts.
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "Issued %s token for user %d, valid for %s\n", tokenType, userID, cfg.JWTExpiry)
}
