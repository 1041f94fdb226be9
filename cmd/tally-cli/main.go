package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tallychain/crypto"
)

const passphraseEnv = "TALLY_KEYSTORE_PASS"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "addr":
		err = runAddr(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tally-cli <command> [flags]

commands:
  keygen   generate a member key and write an encrypted keystore file
  addr     print the bech32 address for a keystore file
  token    mint an HMAC bearer token for the gateway`)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "./member.keystore", "Keystore output path")
	fs.Parse(args)

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("set %s to the keystore passphrase", passphraseEnv)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, passphrase); err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}

func runAddr(args []string) error {
	fs := flag.NewFlagSet("addr", flag.ExitOnError)
	in := fs.String("keystore", "./member.keystore", "Keystore path")
	fs.Parse(args)

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("set %s to the keystore passphrase", passphraseEnv)
	}
	key, err := crypto.LoadFromKeystore(*in, passphrase)
	if err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", "", "Gateway HMAC secret (or TALLY_AUTH_SECRET)")
	subject := fs.String("subject", "", "Bech32 address the token acts for")
	scope := fs.String("scope", "", "Space-separated scopes (e.g. \"operator\")")
	issuer := fs.String("issuer", "tallyd", "Token issuer")
	audience := fs.String("audience", "tally-gateway", "Token audience")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	hmacSecret := strings.TrimSpace(*secret)
	if hmacSecret == "" {
		hmacSecret = strings.TrimSpace(os.Getenv("TALLY_AUTH_SECRET"))
	}
	if hmacSecret == "" {
		return fmt.Errorf("an HMAC secret is required")
	}
	if *subject != "" {
		if _, err := crypto.DecodeAddress(*subject); err != nil {
			return fmt.Errorf("invalid subject: %w", err)
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": *issuer,
		"aud": *audience,
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if *subject != "" {
		claims["sub"] = *subject
	}
	if strings.TrimSpace(*scope) != "" {
		claims["scope"] = strings.TrimSpace(*scope)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(hmacSecret))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
