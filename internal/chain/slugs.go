package chain

import (
	"fmt"
	"net/url"
	"strings"
)

var chainSlugs = map[uint64]string{
	1:        "mainnet",
	10:       "optimism",
	420:      "optimism-sepolia",
	84532:    "base-sepolia",
	11155111: "sepolia",
}

func Slug(chainID uint64) (string, bool) {
	slug, ok := chainSlugs[chainID]
	return slug, ok
}

// BundlerURL builds the per-chain bundler endpoint: <base>/<slug>/rpc?apikey=<key>.
func BundlerURL(base, apiKey string, chainID uint64) (string, error) {
	slug, ok := Slug(chainID)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + slug + "/rpc")
	if err != nil {
		return "", fmt.Errorf("parse bundler url: %w", err)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("apikey", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
