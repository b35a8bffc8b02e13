package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pricewager/config"
	"pricewager/crypto"
	"pricewager/oracle"
)

const testCatalog = `feeds:
  - id: "0xb7c0000000000000000000000000000000000000000000000000000000000000"
    symbol: "BTC/USD"
    exponent: -8
    reference: 6500000000000
  - id: "0xe7e0000000000000000000000000000000000000000000000000000000000000"
    symbol: "ETH/USD"
    exponent: -8
`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "feeds.yaml")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Store.Backend = config.StoreMemory
	cfg.Trophy.Path = filepath.Join(dir, "trophies.db")
	cfg.Oracle.CatalogFile = catalogPath
	cfg.Keeper.Schedule = "@every 1h"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func TestBuildOracleSeedsLocalQuotesFromCatalog(t *testing.T) {
	cfg := newTestConfig(t)
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	set, err := buildOracle(cfg, key, http.DefaultClient)
	if err != nil {
		t.Fatalf("build oracle: %v", err)
	}
	if set.handler == nil || set.updates == nil || set.catalog == nil {
		t.Fatalf("expected local feed, update source and catalog")
	}
	btc, ok := set.catalog.Resolve("BTC/USD")
	if !ok {
		t.Fatalf("catalog missing BTC/USD")
	}
	blobs, err := set.updates.Updates(context.Background(), [][32]byte{btc})
	if err != nil || len(blobs) != 1 {
		t.Fatalf("expected one signed update, got %d %v", len(blobs), err)
	}
	if _, err := set.price.UpdatePriceFeeds(blobs); err != nil {
		t.Fatalf("feed rejected locally signed update: %v", err)
	}
	price, err := set.price.PriceNoOlderThan(btc, 60)
	if err != nil || price.Price != 6_500_000_000_000 || price.Expo != -8 {
		t.Fatalf("unexpected price %+v %v", price, err)
	}

	eth, _ := set.catalog.Resolve("ETH/USD")
	if _, err := set.updates.Updates(context.Background(), [][32]byte{eth}); err == nil {
		t.Fatalf("feeds without a reference price must stay unquoted")
	}

	cfg.Oracle.Mode = config.OracleRemote
	cfg.Oracle.RemoteURL = "http://oracle.internal:9000"
	remote, err := buildOracle(cfg, key, http.DefaultClient)
	if err != nil {
		t.Fatalf("remote oracle: %v", err)
	}
	if _, ok := remote.price.(*oracle.Client); !ok || remote.handler != nil {
		t.Fatalf("remote mode should use the client without serving a feed")
	}
}

func TestNodeServesRPC(t *testing.T) {
	cfg := newTestConfig(t)
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := newNode(ctx, cfg, key, logger)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer n.Close()
	if n.keeper == nil {
		t.Fatalf("expected keeper to be running")
	}
	if n.engine.Owner() != key.PubKey().Address().Array() {
		t.Fatalf("owner should default to the operator key")
	}
	if n.engine.Vault() != config.ModuleAddress("vault") {
		t.Fatalf("vault should default to the module account")
	}

	srv := httptest.NewServer(n.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status %d", resp.StatusCode)
	}

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"wager_convertPrice","params":[{"feed":"BTC/USD","usd":65000}]}`)
	resp, err = http.Post(srv.URL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("rpc: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	if decoded.Error != nil {
		t.Fatalf("rpc error: %s", decoded.Error.Message)
	}
	if !strings.Contains(string(decoded.Result), "6500000000000") {
		t.Fatalf("expected converted price in %s", decoded.Result)
	}

	resp, err = http.Get(srv.URL + "/oracle/feeds")
	if err != nil {
		t.Fatalf("oracle feeds: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("embedded oracle not mounted, status %d", resp.StatusCode)
	}
}
