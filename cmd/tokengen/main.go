// Command tokengen mints bearer tokens signed with the gateway secret for
// local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/domain"
	"github.com/smallbiznis/thryfted-gateway/internal/jwt"
)

func main() {
	var (
		subject  = flag.String("sub", "", "subject (user id)")
		email    = flag.String("email", "", "email claim")
		verified = flag.Bool("verified", true, "mark the email as verified")
		roles    = flag.String("roles", "", "comma separated roles")
		expiry   = flag.String("expiry", "", "token lifetime, overrides JWT_EXPIRY (e.g. 1h, 7d)")
	)
	flag.Parse()

	if err := run(*subject, *email, *verified, *roles, *expiry); err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
}

func run(subject, email string, verified bool, roles, expiry string) error {
	if subject == "" {
		return fmt.Errorf("-sub is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ttl := cfg.JWTExpiry
	if expiry != "" {
		if ttl, err = config.ParseExpiry(expiry); err != nil {
			return err
		}
	}

	identity := domain.Identity{Subject: subject, Email: email, Verified: verified}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			identity.Roles = append(identity.Roles, r)
		}
	}

	token, err := jwt.NewSigner([]byte(cfg.JWTSecret), ttl).Sign(identity)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
