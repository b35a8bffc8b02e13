package oracle

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes a supported price feed.
type CatalogEntry struct {
	ID       string `yaml:"id"`
	Symbol   string `yaml:"symbol"`
	Exponent int32  `yaml:"exponent"`

	// Reference is the price a local signer attests to on devnets, in
	// units of 10^Exponent. Zero leaves the feed unquoted.
	Reference int64 `yaml:"reference"`
}

// Catalog restricts which feeds are accepted and which exponent each one uses.
type Catalog struct {
	Feeds []CatalogEntry `yaml:"feeds"`

	byID     map[[32]byte]CatalogEntry
	bySymbol map[string][32]byte
}

// LoadCatalog reads a YAML feed catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oracle: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and indexes catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("oracle: parse catalog: %w", err)
	}
	cat.byID = make(map[[32]byte]CatalogEntry, len(cat.Feeds))
	cat.bySymbol = make(map[string][32]byte, len(cat.Feeds))
	for i, entry := range cat.Feeds {
		id, err := ParseFeedID(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("oracle: catalog entry %d: %w", i, err)
		}
		symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("oracle: catalog entry %d: symbol required", i)
		}
		if entry.Exponent > 0 {
			return nil, fmt.Errorf("oracle: catalog entry %s: exponent must not be positive", symbol)
		}
		if _, dup := cat.byID[id]; dup {
			return nil, fmt.Errorf("oracle: catalog entry %s: duplicate feed id", symbol)
		}
		if _, dup := cat.bySymbol[symbol]; dup {
			return nil, fmt.Errorf("oracle: catalog entry %s: duplicate symbol", symbol)
		}
		entry.Symbol = symbol
		cat.Feeds[i] = entry
		cat.byID[id] = entry
		cat.bySymbol[symbol] = id
	}
	return &cat, nil
}

// Lookup returns the catalog entry for id.
func (c *Catalog) Lookup(id [32]byte) (CatalogEntry, bool) {
	if c == nil {
		return CatalogEntry{}, false
	}
	entry, ok := c.byID[id]
	return entry, ok
}

// Resolve maps a symbol such as "BTC/USD" to its feed id.
func (c *Catalog) Resolve(symbol string) ([32]byte, bool) {
	if c == nil {
		return [32]byte{}, false
	}
	id, ok := c.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return id, ok
}
