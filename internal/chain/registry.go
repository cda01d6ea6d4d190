package chain

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type Endpoint struct {
	ChainID    uint64
	RPCURL     string
	BundlerURL string
}

type RegistryOptions struct {
	EntryPoint          common.Address
	HTTPTimeout         time.Duration
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

type registryEntry struct {
	endpoint Endpoint
	once     sync.Once
	node     *Node
	bundler  *Bundler
	err      error
}

// Registry owns one node and one bundler client per configured chain. The
// set of chains is fixed at construction and each entry dials exactly once.
type Registry struct {
	opts    RegistryOptions
	http    *http.Client
	entries map[uint64]*registryEntry
}

func NewRegistry(endpoints []Endpoint, opts RegistryOptions) *Registry {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	entries := make(map[uint64]*registryEntry, len(endpoints))
	for _, ep := range endpoints {
		entries[ep.ChainID] = &registryEntry{endpoint: ep}
	}
	return &Registry{
		opts: opts,
		http: &http.Client{
			Timeout:   opts.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		entries: entries,
	}
}

func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) entry(ctx context.Context, chainID uint64) (*registryEntry, error) {
	e, ok := r.entries[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	e.once.Do(func() {
		e.node, e.bundler, e.err = r.dial(ctx, e.endpoint)
	})
	if e.err != nil {
		return nil, e.err
	}
	return e, nil
}

func (r *Registry) dial(ctx context.Context, ep Endpoint) (*Node, *Bundler, error) {
	nodeRPC, err := rpc.DialOptions(ctx, ep.RPCURL, rpc.WithHTTPClient(r.http))
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc for chain %d: %w", ep.ChainID, err)
	}
	bundlerRPC, err := rpc.DialOptions(ctx, ep.BundlerURL, rpc.WithHTTPClient(r.http))
	if err != nil {
		nodeRPC.Close()
		return nil, nil, fmt.Errorf("dial bundler for chain %d: %w", ep.ChainID, err)
	}
	node := NewNode(nodeRPC, r.opts.EntryPoint)
	bundler := NewBundler(bundlerRPC, BundlerOptions{
		EntryPoint:   r.opts.EntryPoint,
		PollInterval: r.opts.ReceiptPollInterval,
		Timeout:      r.opts.ReceiptTimeout,
	})
	return node, bundler, nil
}

func (r *Registry) Node(ctx context.Context, chainID uint64) (*Node, error) {
	e, err := r.entry(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return e.node, nil
}

func (r *Registry) Bundler(ctx context.Context, chainID uint64) (*Bundler, error) {
	e, err := r.entry(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return e.bundler, nil
}

// Warm dials every configured chain concurrently.
func (r *Registry) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range r.ChainIDs() {
		g.Go(func() error {
			_, err := r.entry(gctx, id)
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) Close() {
	for _, e := range r.entries {
		if e.node != nil {
			e.node.Close()
		}
		if e.bundler != nil {
			e.bundler.Close()
		}
	}
}
