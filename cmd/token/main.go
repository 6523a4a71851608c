// Command token mints a bearer token for local development and scripts,
// signed with the API's configured secret.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"copydesk/api/internal/auth"
	"copydesk/api/internal/config"
	"copydesk/api/internal/rbac"
)

func main() {
	sub := flag.String("sub", "dev", "subject (user id)")
	name := flag.String("name", "Developer", "display name")
	role := flag.String("role", string(rbac.RoleEditor), "role: viewer, translator, editor, developer or admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if rbac.Normalize(*role) != rbac.Role(*role) {
		log.Fatal("unknown role", "role", *role)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{Sub: *sub, Name: *name, Role: *role}, *ttl)
	if err != nil {
		log.Fatal("issue token", "err", err)
	}
	fmt.Fprintln(os.Stdout, token)
}
