package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/progress"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Item is one crawled (resource, policy) pair on the output stream.
// Policy is nil for resources without one.
type Item struct {
	Resource types.Resource
	Policy   *types.IAMPolicy
}

// Source produces a stream of items into out and closes out exactly
// once when done, error or not. The online Crawler and the bulk
// ExportSource are interchangeable behind this.
type Source interface {
	Crawl(ctx context.Context, out chan<- Item) error
}

const defaultRetryAttempts = 4

// Crawler walks the hierarchy from a configured root with a bounded
// worker pool. Sibling sub-trees crawl in parallel; the rate limiter is
// the only mutable state shared across workers.
type Crawler struct {
	api      ResourceAPI
	registry *Registry
	limiter  *rate.Limiter
	reporter *progress.Reporter

	rootType string
	rootID   string
	workers  int
	retries  int

	logger *telemetry.Logger
	tracer trace.Tracer
}

// New creates a crawler for the configured root. Quota enforcement can
// be disabled for trusted high-quota back ends.
func New(api ResourceAPI, registry *Registry, root config.RootConfig, crawl config.CrawlConfig, reporter *progress.Reporter) *Crawler {
	limit := rate.Limit(crawl.Quota.RequestsPerSecond)
	burst := crawl.Quota.Burst
	if crawl.Quota.Disabled {
		limit = rate.Inf
		burst = 0
	}

	return &Crawler{
		api:      api,
		registry: registry,
		limiter:  rate.NewLimiter(limit, burst),
		reporter: reporter,
		rootType: root.Type,
		rootID:   root.ID,
		workers:  crawl.Workers,
		retries:  defaultRetryAttempts,
		logger:   telemetry.NewLogger("crawler"),
		tracer:   otel.Tracer("crawler"),
	}
}

// Crawl walks the tree and sends every discovered item to out. The
// channel is closed exactly once, after all workers finish, so the
// downstream writer always sees end-of-stream. A root that cannot be
// fetched is fatal and returns an error; per-resource failures below
// the root are counted and skipped.
func (c *Crawler) Crawl(ctx context.Context, out chan<- Item) error {
	defer close(out)

	ctx, span := c.tracer.Start(ctx, "crawler.crawl",
		trace.WithAttributes(
			attribute.String("root.type", c.rootType),
			attribute.String("root.id", c.rootID)))
	defer span.End()

	root, err := c.fetchRoot(ctx)
	if err != nil {
		c.logger.WithContext(ctx).Error().
			Err(err).
			Str("root", types.FullNameFor("", c.rootType, c.rootID)).
			Msg("cannot reach crawl root")
		return fmt.Errorf("fetch root: %w", err)
	}

	if !c.send(ctx, out, root) {
		return ctx.Err()
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.workers)
	c.crawlChildren(ctx, root.Resource, out, &wg, sem)
	wg.Wait()

	return ctx.Err()
}

// fetchRoot fetches the root's data and policy. Any failure here,
// retries exhausted, is fatal.
func (c *Crawler) fetchRoot(ctx context.Context) (Item, error) {
	fullName := types.FullNameFor("", c.rootType, c.rootID)

	spec, ok := c.registry.Spec(c.rootType)
	if !ok {
		return Item{}, fmt.Errorf("root type %q not registered", c.rootType)
	}

	data, err := callWithRetry(ctx, c.limiter, c.retries, func() (json.RawMessage, error) {
		return c.api.GetResourceData(ctx, fullName)
	})
	if err != nil {
		return Item{}, err
	}

	item := Item{Resource: types.Resource{
		Type:        c.rootType,
		FullName:    fullName,
		Data:        data,
		CollectedAt: time.Now().UTC(),
	}}

	if spec.HasIAMPolicy {
		policy, err := callWithRetry(ctx, c.limiter, c.retries, func() (*types.IAMPolicy, error) {
			return c.api.GetIAMPolicy(ctx, fullName)
		})
		if err != nil {
			return Item{}, err
		}
		item.Policy = policy
	}

	return item, nil
}

// crawlChildren lists a parent's children and spawns a worker per
// child. Workers block on the semaphore, bounding concurrency.
func (c *Crawler) crawlChildren(ctx context.Context, parent types.Resource, out chan<- Item, wg *sync.WaitGroup, sem chan struct{}) {
	spec, ok := c.registry.Spec(parent.Type)
	if !ok || len(spec.ChildTypes) == 0 {
		return
	}

	refs, err := callWithRetry(ctx, c.limiter, c.retries, func() ([]ChildRef, error) {
		return c.api.ListChildren(ctx, parent.FullName)
	})
	if err != nil {
		c.skip(ctx, parent.FullName, "list children", err)
		return
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		if !c.registry.PermitsChild(parent.Type, ref.Type) {
			c.reporter.OnWarning(ref.ID, fmt.Sprintf("unexpected child type %q under %s", ref.Type, parent.Type))
			continue
		}

		wg.Add(1)
		go func(ref ChildRef) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			c.crawlNode(ctx, parent, ref, out, wg, sem)
		}(ref)
	}
}

// crawlNode fetches one resource, emits it, and recurses into its
// children. Fetch failures below the root are recorded and skipped.
func (c *Crawler) crawlNode(ctx context.Context, parent types.Resource, ref ChildRef, out chan<- Item, wg *sync.WaitGroup, sem chan struct{}) {
	fullName := types.FullNameFor(parent.FullName, ref.Type, ref.ID)

	data, err := callWithRetry(ctx, c.limiter, c.retries, func() (json.RawMessage, error) {
		return c.api.GetResourceData(ctx, fullName)
	})
	if err != nil {
		c.skip(ctx, fullName, "get resource data", err)
		return
	}

	item := Item{Resource: types.Resource{
		Type:        ref.Type,
		FullName:    fullName,
		Parent:      parent.FullName,
		Data:        data,
		CollectedAt: time.Now().UTC(),
	}}

	spec, _ := c.registry.Spec(ref.Type)
	if spec.HasIAMPolicy {
		policy, err := callWithRetry(ctx, c.limiter, c.retries, func() (*types.IAMPolicy, error) {
			return c.api.GetIAMPolicy(ctx, fullName)
		})
		if err != nil {
			// The resource itself is still worth keeping.
			c.reporter.OnWarning(fullName, fmt.Sprintf("iam policy fetch failed: %v", err))
			c.logger.LogCrawlSkip(ctx, fullName, err)
		} else {
			item.Policy = policy
		}
	}

	if !c.send(ctx, out, item) {
		return
	}

	c.crawlChildren(ctx, item.Resource, out, wg, sem)
}

// send enqueues an item, blocking for backpressure. Returns false when
// the crawl is cancelled.
func (c *Crawler) send(ctx context.Context, out chan<- Item, item Item) bool {
	c.reporter.OnNewObject(item.Resource.FullName, "discovered "+item.Resource.Type)
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// skip records a per-resource failure without aborting the crawl.
func (c *Crawler) skip(ctx context.Context, fullName, op string, err error) {
	c.reporter.OnError(fullName, fmt.Sprintf("%s: %v", op, err))
	c.logger.LogCrawlSkip(ctx, fullName, err)
}
