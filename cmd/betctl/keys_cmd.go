package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"pricewager/cmd/internal/passphrase"
	"pricewager/crypto"
	"pricewager/gateway/middleware"
	"pricewager/oracle"
)

const (
	authSecretEnv     = "PRICEWAGER_AUTH_SECRET"
	signerPassEnv     = "PRICEWAGER_SIGNER_PASSPHRASE"
	defaultTokenTTL   = time.Hour
	defaultScopeClaim = "scope"
)

var (
	authSecretSource = func() (string, error) {
		return passphrase.NewSource(authSecretEnv, "auth HMAC secret").Get()
	}
	keystorePassSource = func() (string, error) {
		return passphrase.NewSource(signerPassEnv, "signer keystore").Get()
	}
	cliNow = time.Now
)

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var subject, scopes, issuer, audience, scopeClaim string
	var ttl time.Duration
	fs.StringVar(&subject, "sub", "", "token subject; an address binds the token to that account")
	fs.StringVar(&scopes, "scopes", middleware.ScopeWrite, "comma separated scopes")
	fs.StringVar(&issuer, "issuer", "pricewager", "issuer claim expected by the server")
	fs.StringVar(&audience, "audience", "", "audience claim expected by the server")
	fs.StringVar(&scopeClaim, "scope-claim", defaultScopeClaim, "claim carrying the scopes")
	fs.DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(subject) == "" {
		return printError(stderr, "--sub is required")
	}
	if ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}
	var scopeList []string
	for _, scope := range strings.Split(scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopeList = append(scopeList, scope)
		}
	}
	if len(scopeList) == 0 {
		return printError(stderr, "--scopes must name at least one scope")
	}
	secret, err := authSecretSource()
	if err != nil {
		return printError(stderr, err.Error())
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: secret,
		Issuer:     issuer,
		Audience:   audience,
		ScopeClaim: scopeClaim,
	}, nil)
	token, err := auth.Issue(subject, scopeList, ttl)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var path string
	fs.StringVar(&path, "keystore", "", "keystore file to create")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if path == "" {
		return printError(stderr, "--keystore is required")
	}
	if recorded, err := crypto.KeystoreAddress(path); err == nil {
		fmt.Fprintf(stderr, "keystore %s already exists\n", path)
		return writeKeyInfo(stdout, stderr, recorded, false)
	}
	pass, err := keystorePassSource()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, created, err := crypto.EnsureKeystore(path, pass)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeKeyInfo(stdout, stderr, key.PubKey().Address().Array(), created)
}

func writeKeyInfo(stdout, stderr io.Writer, addr [20]byte, created bool) int {
	return writeJSON(stdout, stderr, map[string]interface{}{
		"address": crypto.FormatAddress(addr),
		"hex":     "0x" + hex.EncodeToString(addr[:]),
		"created": created,
	})
}

func runSignUpdate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sign-update", stderr)
	var path, feed string
	var price, publishTime int64
	var expo int
	fs.StringVar(&path, "keystore", "", "publisher keystore")
	fs.StringVar(&feed, "feed", "", "0x feed id")
	fs.Int64Var(&price, "price", 0, "price in units of 10^expo")
	fs.IntVar(&expo, "expo", -8, "price exponent")
	fs.Int64Var(&publishTime, "publish-time", 0, "unix publish time (defaults to now)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if path == "" || feed == "" {
		return printError(stderr, "--keystore and --feed are required")
	}
	if price <= 0 {
		return printError(stderr, "--price must be positive")
	}
	if expo > 0 {
		return printError(stderr, "--expo must not be positive")
	}
	feedID, err := oracle.ParseFeedID(feed)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if publishTime == 0 {
		publishTime = cliNow().Unix()
	}
	pass, err := keystorePassSource()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return printError(stderr, fmt.Sprintf("load keystore: %v", err))
	}
	signer, err := oracle.NewSigner(key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	blob, err := signer.SignBlob(feedID, price, int32(expo), publishTime)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeJSON(stdout, stderr, map[string]interface{}{
		"publisher":   crypto.FormatAddress(signer.Address()),
		"feed":        oracle.FormatFeedID(feedID),
		"publishTime": publishTime,
		"update":      base64.StdEncoding.EncodeToString(blob),
	})
}

func writeJSON(stdout, stderr io.Writer, v interface{}) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}
