package server

import (
	"io"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/taskforge/engine/config"
)

// newTestServer builds a Server with a fixed admin/password pair
// ("admin"/"secret") and a deterministic JWT secret. The password is
// hashed at bcrypt.MinCost on every call so each test pays only the
// smallest cost factor, and no test depends on a generated secret
// surviving across calls.
func newTestServer() *Server {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	cfg := config.DefaultConfig()
	cfg.Auth.AdminUser = "admin"
	cfg.Auth.AdminPass = string(hash)
	cfg.Auth.JWTSecret = "test-secret"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, "test", logger)
}
