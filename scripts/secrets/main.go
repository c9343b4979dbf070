package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"clob-agent/internal/api"
	"clob-agent/pkg/crypto"
)

// secrets prepares values for .env:
//
//   go run ./scripts/secrets -hash <password>   bcrypt hash for OPERATOR_PASSWORD_HASH
//   go run ./scripts/secrets -seal <value>      ENC[v1]:... using CREDENTIALS_MASTER_KEY (hex)
//   go run ./scripts/secrets -newkey            random 32-byte master key

func main() {
	hash := flag.String("hash", "", "operator password to hash")
	seal := flag.String("seal", "", "credential to seal")
	newKey := flag.Bool("newkey", false, "print a new master key")
	flag.Parse()

	switch {
	case *newKey:
		key := make([]byte, crypto.KeySize)
		if _, err := rand.Read(key); err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Println(hex.EncodeToString(key))
	case *hash != "":
		h, err := api.HashPassword(*hash)
		if err != nil {
			log.Fatalf("hash: %v", err)
		}
		fmt.Println(h)
	case *seal != "":
		key, err := hex.DecodeString(os.Getenv("CREDENTIALS_MASTER_KEY"))
		if err != nil || len(key) == 0 {
			log.Fatal("CREDENTIALS_MASTER_KEY must be set (hex)")
		}
		s, err := crypto.NewSealer(key, 1)
		if err != nil {
			log.Fatalf("sealer: %v", err)
		}
		out, err := s.Seal(*seal)
		if err != nil {
			log.Fatalf("seal: %v", err)
		}
		fmt.Println(out)
	default:
		flag.Usage()
		os.Exit(2)
	}
}
