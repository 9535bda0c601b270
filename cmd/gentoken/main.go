// Command gentoken mints an access token for local testing, signed with
// the configured JWT_SECRET. Requests re-check the account on every call,
// so -user must name an active user.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/google/uuid"
)

func main() {
	role := flag.String("role", string(auth.RoleAdmin), "role claim (ADMIN, EMPLOYEE, CLIENT)")
	email := flag.String("email", "dev@cmpc.local", "email claim")
	userID := flag.String("user", "", "user id claim (required)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	r, ok := auth.ParseRole(*role)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", *role)
		os.Exit(1)
	}
	if _, err := uuid.Parse(*userID); err != nil {
		fmt.Fprintln(os.Stderr, "Error: -user must be a user id")
		os.Exit(2)
	}

	token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.Issuer).Generate(*userID, *email, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("JWT Token:")
	fmt.Println(token)
	fmt.Println("\nTest with:")
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:%d/api/books\n", token, cfg.Server.Port)
}
