package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/progress"
	"github.com/yairfalse/vahti/types"
)

// fakeAPI is an in-memory ResourceAPI over a synthetic tree.
type fakeAPI struct {
	mu        sync.Mutex
	children  map[string][]ChildRef
	policies  map[string]*types.IAMPolicy
	failures  map[string]*APIError
	transient map[string]int // failures remaining before success
	calls     int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		children:  make(map[string][]ChildRef),
		policies:  make(map[string]*types.IAMPolicy),
		failures:  make(map[string]*APIError),
		transient: make(map[string]int),
	}
}

func (f *fakeAPI) ListChildren(_ context.Context, parent string) ([]ChildRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.children[parent], nil
}

func (f *fakeAPI) GetResourceData(_ context.Context, fullName string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if n := f.transient[fullName]; n > 0 {
		f.transient[fullName] = n - 1
		return nil, &APIError{Kind: KindTransient, Op: "get", Resource: fullName, Err: fmt.Errorf("flaky backend")}
	}
	if err := f.failures[fullName]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"name":%q}`, fullName)), nil
}

func (f *fakeAPI) GetIAMPolicy(_ context.Context, fullName string) (*types.IAMPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if p := f.policies[fullName]; p != nil {
		return p, nil
	}
	return &types.IAMPolicy{}, nil
}

func testCrawlConfig() config.CrawlConfig {
	return config.CrawlConfig{
		Workers: 4,
		Buffer:  16,
		Quota:   config.QuotaConfig{Disabled: true},
	}
}

func collect(t *testing.T, c Source) ([]Item, error) {
	t.Helper()
	out := make(chan Item, 16)
	var items []Item
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for item := range out {
			items = append(items, item)
		}
	}()
	err := c.Crawl(context.Background(), out)
	wg.Wait()
	return items, err
}

func TestCrawler_CompletenessOrgWithFolders(t *testing.T) {
	api := newFakeAPI()
	root := "organization/1111"
	for i := 0; i < 100; i++ {
		api.children[root] = append(api.children[root], ChildRef{ID: fmt.Sprintf("f%03d", i), Type: types.TypeFolder})
	}

	c := New(api, DefaultRegistry(), config.RootConfig{Type: types.TypeOrganization, ID: "1111"},
		testCrawlConfig(), progress.NewFirstMessageReporter())

	items, err := collect(t, c)
	require.NoError(t, err)

	counts := make(map[string]int)
	policies := 0
	for _, item := range items {
		counts[item.Resource.Type]++
		if item.Policy != nil {
			policies++
		}
	}

	assert.Equal(t, 1, counts[types.TypeOrganization])
	assert.Equal(t, 100, counts[types.TypeFolder])
	assert.Equal(t, 101, policies, "organizations and folders both carry policies")
}

func TestCrawler_PartialFailureSkipsAndCounts(t *testing.T) {
	api := newFakeAPI()
	root := "project/p1"
	for i := 0; i < 5; i++ {
		api.children[root] = append(api.children[root], ChildRef{ID: fmt.Sprintf("b%d", i), Type: types.TypeBucket})
	}
	denied := "project/p1/bucket/b2"
	api.failures[denied] = &APIError{Kind: KindPermissionDenied, Op: "get", Resource: denied, Err: fmt.Errorf("denied")}

	reporter := progress.NewFirstMessageReporter()
	c := New(api, DefaultRegistry(), config.RootConfig{Type: types.TypeProject, ID: "p1"},
		testCrawlConfig(), reporter)

	items, err := collect(t, c)
	require.NoError(t, err, "one denied sibling must not abort the crawl")

	var buckets []string
	for _, item := range items {
		if item.Resource.Type == types.TypeBucket {
			buckets = append(buckets, item.Resource.FullName)
		}
	}
	assert.Len(t, buckets, 4)
	assert.NotContains(t, buckets, denied)

	_, errors := reporter.Counts()
	assert.Equal(t, 1, errors, "exactly one error-count increment")
}

func TestCrawler_UnreachableRootIsFatal(t *testing.T) {
	api := newFakeAPI()
	root := "organization/1111"
	api.failures[root] = &APIError{Kind: KindPermissionDenied, Op: "get", Resource: root, Err: fmt.Errorf("denied")}

	c := New(api, DefaultRegistry(), config.RootConfig{Type: types.TypeOrganization, ID: "1111"},
		testCrawlConfig(), progress.NewFirstMessageReporter())

	items, err := collect(t, c)
	assert.Error(t, err)
	assert.Empty(t, items, "no partial data for an unreachable root")
}

func TestCrawler_RetriesTransientErrors(t *testing.T) {
	api := newFakeAPI()
	root := "project/p1"
	api.children[root] = []ChildRef{{ID: "b1", Type: types.TypeBucket}}
	api.transient["project/p1/bucket/b1"] = 2 // succeeds on third attempt

	reporter := progress.NewFirstMessageReporter()
	c := New(api, DefaultRegistry(), config.RootConfig{Type: types.TypeProject, ID: "p1"},
		testCrawlConfig(), reporter)

	items, err := collect(t, c)
	require.NoError(t, err)

	assert.Len(t, items, 2, "root plus the eventually-fetched bucket")
	_, errors := reporter.Counts()
	assert.Zero(t, errors)
}

func TestCrawler_DeepHierarchy(t *testing.T) {
	api := newFakeAPI()
	api.children["organization/1"] = []ChildRef{{ID: "f1", Type: types.TypeFolder}}
	api.children["organization/1/folder/f1"] = []ChildRef{{ID: "p1", Type: types.TypeProject}}
	api.children["organization/1/folder/f1/project/p1"] = []ChildRef{
		{ID: "fw1", Type: types.TypeFirewall},
		{ID: "net1", Type: types.TypeNetwork},
	}
	api.children["organization/1/folder/f1/project/p1/network/net1"] = []ChildRef{
		{ID: "sub1", Type: types.TypeSubnetwork},
	}

	c := New(api, DefaultRegistry(), config.RootConfig{Type: types.TypeOrganization, ID: "1"},
		testCrawlConfig(), progress.NewFirstMessageReporter())

	items, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, items, 6)

	byName := make(map[string]Item)
	for _, item := range items {
		byName[item.Resource.FullName] = item
	}
	sub, ok := byName["organization/1/folder/f1/project/p1/network/net1/subnetwork/sub1"]
	require.True(t, ok, "crawl must reach nested subnetworks")
	assert.Equal(t, "organization/1/folder/f1/project/p1/network/net1", sub.Resource.Parent)
	assert.Nil(t, sub.Policy, "subnetworks carry no policy")
}

func TestCrawler_CancellationStopsEnqueueing(t *testing.T) {
	api := newFakeAPI()
	root := "organization/1"
	for i := 0; i < 50; i++ {
		api.children[root] = append(api.children[root], ChildRef{ID: fmt.Sprintf("f%d", i), Type: types.TypeFolder})
	}

	c := New(api, DefaultRegistry(), config.RootConfig{Type: types.TypeOrganization, ID: "1"},
		testCrawlConfig(), progress.NewFirstMessageReporter())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Item) // unbuffered: crawl blocks on send until we cancel

	done := make(chan error, 1)
	go func() { done <- c.Crawl(ctx, out) }()

	<-out // let the root through
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("crawl did not terminate after cancellation")
	}

	// The channel is still closed so the writer sees end-of-stream.
	for range out {
	}
}
