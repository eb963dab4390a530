package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mmynk/settlementd/internal/codec"
	"github.com/mmynk/settlementd/internal/models"
)

// Network map procedures, served next to the notary.
const (
	NetworkMapServiceName = "settlement.netmap.v1.NetworkMapService"

	RegisterProcedure = "/" + NetworkMapServiceName + "/Register"
	LookupProcedure   = "/" + NetworkMapServiceName + "/Lookup"
	ListProcedure     = "/" + NetworkMapServiceName + "/List"
)

type RegisterRequest struct {
	Registration Registration `json:"registration"`
}

type RegisterResponse struct{}

type LookupRequest struct {
	Name string `json:"name"`
}

type LookupResponse struct {
	Entry Entry `json:"entry"`
}

type ListRequest struct{}

type ListResponse struct {
	Entries []Entry `json:"entries"`
}

// NewHandler exposes dir as the network map service.
func NewHandler(dir *Directory, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{codec.WithJSON()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(RegisterProcedure, connect.NewUnaryHandler(RegisterProcedure,
		func(ctx context.Context, req *connect.Request[RegisterRequest]) (*connect.Response[RegisterResponse], error) {
			e := req.Msg.Registration.Entry
			if err := dir.RegisterSigned(ctx, &req.Msg.Registration); err != nil {
				slog.Warn("Network map registration rejected", "party", e.Party.Name, "error", err)
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
			slog.Info("Party registered",
				"party", e.Party.Name,
				"key", e.Party.Fingerprint(),
				"address", e.Address,
			)
			return connect.NewResponse(&RegisterResponse{}), nil
		}, opts...))
	mux.Handle(LookupProcedure, connect.NewUnaryHandler(LookupProcedure,
		func(ctx context.Context, req *connect.Request[LookupRequest]) (*connect.Response[LookupResponse], error) {
			e, err := dir.Lookup(ctx, req.Msg.Name)
			if err != nil {
				return nil, connect.NewError(connect.CodeNotFound, err)
			}
			return connect.NewResponse(&LookupResponse{Entry: e}), nil
		}, opts...))
	mux.Handle(ListProcedure, connect.NewUnaryHandler(ListProcedure,
		func(ctx context.Context, req *connect.Request[ListRequest]) (*connect.Response[ListResponse], error) {
			entries, err := dir.Peers(ctx)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(&ListResponse{Entries: entries}), nil
		}, opts...))

	return "/" + NetworkMapServiceName + "/", mux
}

// DefaultCacheSize bounds the number of entries a Client remembers.
const DefaultCacheSize = 256

// Client is a caching network map client. Registrations are immutable per
// key, so a cached entry only goes stale when a party moves address.
type Client struct {
	register *connect.Client[RegisterRequest, RegisterResponse]
	lookup   *connect.Client[LookupRequest, LookupResponse]
	list     *connect.Client[ListRequest, ListResponse]
	cache    *lru.Cache[string, Entry]
}

// NewClient creates a network map client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, cacheSize int, opts ...connect.ClientOption) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create network map cache: %w", err)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{codec.WithJSON()}, opts...)
	return &Client{
		register: connect.NewClient[RegisterRequest, RegisterResponse](httpClient, baseURL+RegisterProcedure, opts...),
		lookup:   connect.NewClient[LookupRequest, LookupResponse](httpClient, baseURL+LookupProcedure, opts...),
		list:     connect.NewClient[ListRequest, ListResponse](httpClient, baseURL+ListProcedure, opts...),
		cache:    cache,
	}, nil
}

// Register publishes a signed registration on the network map.
func (c *Client) Register(ctx context.Context, r *Registration) error {
	e := r.Entry
	if _, err := c.register.CallUnary(ctx, connect.NewRequest(&RegisterRequest{Registration: *r})); err != nil {
		return fmt.Errorf("failed to register %s: %w", e.Party.Name, err)
	}
	c.cache.Add(e.Party.Name, e)
	return nil
}

// Lookup returns the entry registered under name, consulting the cache first.
func (c *Client) Lookup(ctx context.Context, name string) (Entry, error) {
	if e, ok := c.cache.Get(name); ok {
		return e, nil
	}

	resp, err := c.lookup.CallUnary(ctx, connect.NewRequest(&LookupRequest{Name: name}))
	if err != nil {
		if connect.CodeOf(err) == connect.CodeNotFound {
			return Entry{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("network map lookup of %s: %w", name, err)
	}
	c.cache.Add(name, resp.Msg.Entry)
	return resp.Msg.Entry, nil
}

// Resolve returns the party registered under name.
func (c *Client) Resolve(ctx context.Context, name string) (models.Party, error) {
	e, err := c.Lookup(ctx, name)
	if err != nil {
		return models.Party{}, err
	}
	return e.Party, nil
}

// Peers returns every registered entry and refreshes the cache with them.
func (c *Client) Peers(ctx context.Context) ([]Entry, error) {
	resp, err := c.list.CallUnary(ctx, connect.NewRequest(&ListRequest{}))
	if err != nil {
		return nil, fmt.Errorf("network map list: %w", err)
	}
	for _, e := range resp.Msg.Entries {
		c.cache.Add(e.Party.Name, e)
	}
	return resp.Msg.Entries, nil
}

// Forget drops name from the cache, e.g. after a session to its cached
// address failed.
func (c *Client) Forget(name string) {
	c.cache.Remove(name)
}

// IsNotFound reports whether err means the name is not on the network map.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
