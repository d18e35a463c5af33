// Package images reads image tags and their creation times from an OCI/Docker
// registry and serves them as the images module.
package images

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/errgroup"

	"rollout/internal/cache"
	"rollout/internal/domain"
	logx "rollout/pkg/logx"
)

const (
	catalogTTL  = 60 * time.Second
	versionsTTL = 60 * time.Second

	// manifest fetches in flight per versions lookup
	fetchParallelism = 8
)

type Option func(*Registry)

// WithRemoteOptions appends go-containerregistry options (transport, auth).
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(r *Registry) { r.remote = append(r.remote, opts...) }
}

// Registry is the images module backend for one registry endpoint.
type Registry struct {
	endpoint string
	host     string
	nameOpts []name.Option
	remote   []remote.Option
	log      logx.Logger

	catalog  *cache.Cache[[]string]
	versions *cache.Cache[[]domain.Image]
	created  *cache.Cache[time.Time]
}

// New parses endpoint (e.g. "https://registry.example.com"). Plain http
// endpoints are reached without TLS.
func New(endpoint string, log logx.Logger, opts ...Option) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("registry endpoint %q: want scheme://host[:port]", endpoint)
	}
	r := &Registry{
		endpoint: strings.TrimRight(endpoint, "/"),
		host:     u.Host,
		log:      log,
		remote:   []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)},
		catalog:  cache.New[[]string](catalogTTL),
		versions: cache.New[[]domain.Image](versionsTTL),
		created:  cache.New[time.Time](0),
	}
	if u.Scheme == "http" {
		r.nameOpts = append(r.nameOpts, name.Insecure)
	}
	if _, err := name.NewRegistry(r.host, r.nameOpts...); err != nil {
		return nil, fmt.Errorf("registry endpoint %q: %w", endpoint, err)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Endpoint is the configured registry URL.
func (r *Registry) Endpoint() string { return r.endpoint }

// Host is the registry host used in image URLs.
func (r *Registry) Host() string { return r.host }

// URL is the pullable reference <host>/<name>:<tag>.
func (r *Registry) URL(image, tag string) string {
	return r.host + "/" + image + ":" + tag
}

func (r *Registry) opts(ctx context.Context) []remote.Option {
	return append([]remote.Option{remote.WithContext(ctx)}, r.remote...)
}

// Images lists the repositories in the registry catalog.
func (r *Registry) Images(ctx context.Context) ([]string, error) {
	return r.catalog.Calculate(ctx, cache.Singleton, func(ctx context.Context) ([]string, error) {
		reg, err := name.NewRegistry(r.host, r.nameOpts...)
		if err != nil {
			return nil, err
		}
		repos, err := remote.Catalog(ctx, reg, r.remote...)
		if err != nil {
			return nil, fmt.Errorf("registry catalog: %w", err)
		}
		r.log.Debug("catalog fetched", logx.Int("repositories", len(repos)))
		return repos, nil
	})
}

// Versions lists every tag of image with its creation time, sorted by tag.
func (r *Registry) Versions(ctx context.Context, image string) ([]domain.Image, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, fmt.Errorf("image name required")
	}
	return r.versions.Calculate(ctx, image, func(ctx context.Context) ([]domain.Image, error) {
		repo, err := name.NewRepository(r.host+"/"+image, r.nameOpts...)
		if err != nil {
			return nil, err
		}
		tags, err := remote.List(repo, r.opts(ctx)...)
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", image, err)
		}
		sort.Strings(tags)

		out := make([]domain.Image, len(tags))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fetchParallelism)
		for i, tag := range tags {
			g.Go(func() error {
				created, err := r.lastUpdated(gctx, repo, tag)
				if err != nil {
					return err
				}
				out[i] = domain.Image{Name: image, Tag: tag, URL: r.URL(image, tag), LastUpdated: created}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		r.log.Debug("versions fetched", logx.String("image", image), logx.Int("tags", len(out)))
		return out, nil
	})
}

// lastUpdated is the image config's creation time. Tags move, so the cache
// is keyed by manifest digest and never expires.
func (r *Registry) lastUpdated(ctx context.Context, repo name.Repository, tag string) (time.Time, error) {
	desc, err := remote.Head(repo.Tag(tag), r.opts(ctx)...)
	if err != nil {
		return time.Time{}, fmt.Errorf("head %s:%s: %w", repo.RepositoryStr(), tag, err)
	}
	ref := repo.Digest(desc.Digest.String())
	return r.created.Calculate(ctx, ref.String(), func(ctx context.Context) (time.Time, error) {
		img, err := remote.Image(ref, r.opts(ctx)...)
		if err != nil {
			return time.Time{}, fmt.Errorf("fetch %s:%s: %w", repo.RepositoryStr(), tag, err)
		}
		cf, err := img.ConfigFile()
		if err != nil {
			return time.Time{}, fmt.Errorf("config of %s:%s: %w", repo.RepositoryStr(), tag, err)
		}
		return cf.Created.Time.UTC(), nil
	})
}
