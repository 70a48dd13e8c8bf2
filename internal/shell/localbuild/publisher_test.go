package localbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/artpar/sitedeploy/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o644))
	return dir
}

func TestPublish_CopiesSite(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPublisher(root, "http://localhost/", nil, nil)

	url, err := p.Publish(ctx, 7, newSite(t, "v1"))
	require.NoError(t, err)

	key, err := p.DeployKey(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/"+key+"/", url)

	got, err := os.ReadFile(filepath.Join(root, key, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	assert.FileExists(t, filepath.Join(root, key, "assets", "app.js"))
}

func TestPublish_RepublishReplacesContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPublisher(root, "http://localhost", nil, nil)

	first, err := p.Publish(ctx, 7, newSite(t, "v1"))
	require.NoError(t, err)

	site := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(site, "index.html"), []byte("v2"), 0o644))
	second, err := p.Publish(ctx, 7, site)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	key, _ := p.DeployKey(ctx, 7)
	assert.NoFileExists(t, filepath.Join(root, key, "assets", "app.js"))
}

func TestPublish_MissingSource(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher(t.TempDir(), "http://localhost", nil, nil)

	_, err := p.Publish(ctx, 7, filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestDeployKey_StablePerApp(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher(t.TempDir(), "http://localhost", nil, nil)

	a1, err := p.DeployKey(ctx, 1)
	require.NoError(t, err)
	a2, err := p.DeployKey(ctx, 1)
	require.NoError(t, err)
	b, err := p.DeployKey(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 6)
	assert.NotEqual(t, a1, b)
	for _, r := range a1 {
		assert.True(t, strings.ContainsRune(deployKeyAlphabet, r))
	}
}

func TestDeployKey_PersistsAcrossPublishers(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	root := t.TempDir()

	first, err := NewPublisher(root, "http://localhost", s, nil).Publish(ctx, 7, newSite(t, "v1"))
	require.NoError(t, err)

	restarted := NewPublisher(root, "http://localhost", s, nil)
	second, err := restarted.Publish(ctx, 7, newSite(t, "v2"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	key, err := s.GetDeployKey(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://localhost/%s/", key), second)
}

// collidingStore rejects the first claim as if another app already owned the key.
type collidingStore struct {
	mu     sync.Mutex
	claims int
}

func (c *collidingStore) ClaimDeployKey(_ context.Context, _ int64, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims++
	if c.claims == 1 {
		return "", store.ErrDuplicateDeployKey
	}
	return key, nil
}

func TestDeployKey_RetriesOnCollision(t *testing.T) {
	ks := &collidingStore{}
	p := NewPublisher(t.TempDir(), "http://localhost", ks, nil)

	key, err := p.DeployKey(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, key, deployKeyLength)
	assert.Equal(t, 2, ks.claims)
}

func TestPublish_ConcurrentSameAppLeavesOneCompleteSite(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPublisher(root, "http://localhost", nil, nil)

	sites := make([]string, 6)
	for i := range sites {
		dir := newSite(t, fmt.Sprintf("v%d", i))
		for j := 0; j < 20; j++ {
			name := filepath.Join(dir, "assets", fmt.Sprintf("chunk%d-%d.js", i, j))
			require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
		}
		sites[i] = dir
	}

	var wg sync.WaitGroup
	for _, site := range sites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Publish(ctx, 7, site)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	key, err := p.DeployKey(ctx, 7)
	require.NoError(t, err)
	body, err := os.ReadFile(filepath.Join(root, key, "index.html"))
	require.NoError(t, err)

	// Every chunk present belongs to the version whose index.html is live.
	var n int
	fmt.Sscanf(string(body), "v%d", &n)
	entries, err := os.ReadDir(filepath.Join(root, key, "assets"))
	require.NoError(t, err)
	assert.Len(t, entries, 21)
	for _, e := range entries {
		if e.Name() == "app.js" {
			continue
		}
		assert.True(t, strings.HasPrefix(e.Name(), fmt.Sprintf("chunk%d-", n)), e.Name())
	}
	assert.NoDirExists(t, filepath.Join(root, key+".staging"))
}
