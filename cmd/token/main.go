package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"wasteops.org/internal/auth"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var (
		subject = flag.String("subject", "operator", "Token subject")
		tenant  = flag.String("tenant", "", "Tenant the token acts for")
		scopes  = flag.String("scopes", strings.Join(auth.AllScopes, ","), "Comma-separated scopes")
		ttl     = flag.Duration("ttl", time.Hour, "Token lifetime")
	)
	flag.Parse()

	if *tenant == "" {
		log.Fatal("usage: token -tenant <id> [-subject s] [-scopes a,b] [-ttl 1h]")
	}
	tokens, err := auth.NewTokens(os.Getenv("WASTEOPS_AUTH_SECRET"))
	if err != nil {
		log.Fatalf("auth: %v (set WASTEOPS_AUTH_SECRET)", err)
	}
	signed, exp, err := tokens.Generate(*subject, *tenant, strings.Split(*scopes, ","), *ttl)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	fmt.Println(signed)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
}
