// Command tokengen issues REST credentials: a machine token with the
// Argon2id hash to paste into auth.machine_tokens, or a signed JWT.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/auth"
	"gopkg.in/yaml.v3"
)

type tokenEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Hash        string   `yaml:"hash"`
	Permissions []string `yaml:"permissions"`
}

func main() {
	name := flag.String("name", "machine", "token name")
	perms := flag.String("perms", string(auth.PermRead), "comma separated permissions")
	jwtMode := flag.Bool("jwt", false, "issue a JWT signed with $MBM_JWT_SECRET instead")
	ttl := flag.Duration("ttl", 24*time.Hour, "JWT lifetime")
	flag.Parse()

	var permissions []auth.Permission
	for _, p := range strings.Split(*perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, auth.Permission(p))
		}
	}

	if *jwtMode {
		secret := os.Getenv("MBM_JWT_SECRET")
		if secret == "" {
			log.Fatal("MBM_JWT_SECRET is not set")
		}
		token, err := auth.NewJWTHandler(secret, *ttl).GenerateAccessToken(*name, permissions)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	token, id, err := auth.GenerateMachineToken()
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}
	hash, err := auth.NewTokenHasher().Hash(token)
	if err != nil {
		log.Fatalf("Failed to hash token: %v", err)
	}

	entry := tokenEntry{ID: id.String(), Name: *name, Hash: hash}
	for _, p := range permissions {
		entry.Permissions = append(entry.Permissions, string(p))
	}
	out, err := yaml.Marshal([]tokenEntry{entry})
	if err != nil {
		log.Fatalf("Failed to render entry: %v", err)
	}

	fmt.Fprintf(os.Stderr, "token (shown once): %s\n\n", token)
	fmt.Print(string(out))
}
