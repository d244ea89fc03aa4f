// Package image enumerates the container images under test.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoImages   = errors.New("no images to benchmark")
	ErrNotAllowed = errors.New("image not in allow-list")
)

type PullPolicy string

const (
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
	PullNever   PullPolicy = "never"
)

// Puller is the part of the container runtime used to stage images.
type Puller interface {
	HasImage(ctx context.Context, ref string) (bool, error)
	Pull(ctx context.Context, ref string) error
}

// Registry is the ordered, de-duplicated list of images for one run.
type Registry struct {
	images []string
}

// New validates refs against the allow-list (empty = allow all) and drops
// repeats while keeping first-seen order.
func New(refs, allowed []string) (*Registry, error) {
	allow := mapset.NewThreadUnsafeSet[string]()
	for _, a := range allowed {
		allow.Add(strings.TrimSpace(a))
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var images []string
	var rejected []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || !seen.Add(ref) {
			continue
		}
		if allow.Cardinality() > 0 && !allow.Contains(ref) {
			rejected = append(rejected, ref)
			continue
		}
		images = append(images, ref)
	}
	if len(rejected) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, strings.Join(rejected, ", "))
	}
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	return &Registry{images: images}, nil
}

func (r *Registry) IDs() []string {
	out := make([]string, len(r.images))
	copy(out, r.images)
	return out
}

func (r *Registry) Len() int {
	return len(r.images)
}

// Prepare stages every image according to policy, at most parallel pulls at
// a time. Pull failures do not abort the run: the affected tasks fail at
// start and are recorded as such. The returned map holds the failures.
func (r *Registry) Prepare(ctx context.Context, p Puller, policy PullPolicy, parallel int, logger *slog.Logger) map[string]error {
	failed := make(map[string]error)
	if policy == PullNever {
		return failed
	}
	if parallel < 1 {
		parallel = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, ref := range r.images {
		g.Go(func() error {
			if err := stage(gctx, p, ref, policy, logger); err != nil {
				logger.Warn("image prepare failed", "image", ref, "error", err)
				mu.Lock()
				failed[ref] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

func stage(ctx context.Context, p Puller, ref string, policy PullPolicy, logger *slog.Logger) error {
	if policy == PullMissing {
		ok, err := p.HasImage(ctx, ref)
		if err != nil {
			return err
		}
		if ok {
			logger.Debug("image present", "image", ref)
			return nil
		}
	}
	logger.Info("pulling image", "image", ref)
	return p.Pull(ctx, ref)
}
