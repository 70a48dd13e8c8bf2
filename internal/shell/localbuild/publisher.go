package localbuild

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/artpar/sitedeploy/internal/shell/keylock"
	"github.com/artpar/sitedeploy/internal/shell/store"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/otiai10/copy"
)

const (
	maxKeyAttempts    = 5
	deployKeyLength   = 6
	deployKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// KeyStore persists deploy keys so a site keeps its URL across restarts.
type KeyStore interface {
	ClaimDeployKey(ctx context.Context, appID int64, key string) (string, error)
}

// Publisher copies built static sites under a web root served by a plain
// web server, one directory per deploy key.
type Publisher struct {
	root   string
	host   string
	store  KeyStore
	logger *slog.Logger
	locks  *keylock.Map[int64]

	mu   sync.Mutex
	keys map[int64]string
}

// NewPublisher creates a Publisher writing under root and returning URLs on host.
// Without a KeyStore, keys last for the life of the process.
func NewPublisher(root, host string, keys KeyStore, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		root:   root,
		host:   strings.TrimRight(host, "/"),
		store:  keys,
		logger: logger.With("component", "publisher"),
		locks:  keylock.New[int64](),
		keys:   make(map[int64]string),
	}
}

// DeployKey returns the application's deploy key, generating and persisting
// it on first use.
func (p *Publisher) DeployKey(ctx context.Context, appID int64) (string, error) {
	p.mu.Lock()
	key, ok := p.keys[appID]
	p.mu.Unlock()
	if ok {
		return key, nil
	}

	key, err := p.claimKey(ctx, appID)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.keys[appID]; ok {
		return existing, nil
	}
	p.keys[appID] = key
	return key, nil
}

func (p *Publisher) claimKey(ctx context.Context, appID int64) (string, error) {
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := randomKey(deployKeyLength)
		if err != nil {
			return "", err
		}
		if p.store == nil {
			return key, nil
		}
		claimed, err := p.store.ClaimDeployKey(ctx, appID, key)
		if errors.Is(err, store.ErrDuplicateDeployKey) {
			continue
		}
		if err != nil {
			return "", err
		}
		return claimed, nil
	}
	return "", fmt.Errorf("no free deploy key after %d attempts", maxKeyAttempts)
}

// Publish replaces {root}/{deployKey} with a copy of srcDir and returns the
// public URL of the published directory. Publishes of one application are
// serialized; the new copy is staged next to the live one and swapped in.
func (p *Publisher) Publish(ctx context.Context, appID int64, srcDir string) (string, error) {
	info, err := os.Stat(srcDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, srcDir)
	}

	unlock := p.locks.Lock(appID)
	defer unlock()

	key, err := p.DeployKey(ctx, appID)
	if err != nil {
		return "", fmt.Errorf("deploy key: %w", err)
	}

	dest, err := securejoin.SecureJoin(p.root, key)
	if err != nil {
		return "", fmt.Errorf("resolve publish dir: %w", err)
	}
	staging := dest + ".staging"

	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("clear staging dir: %w", err)
	}
	if err := copy.Copy(srcDir, staging); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("copy site: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear publish dir: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return "", fmt.Errorf("swap publish dir: %w", err)
	}

	url := fmt.Sprintf("%s/%s/", p.host, key)
	p.logger.Info("site published", "app_id", appID, "dir", dest, "url", url)
	return url, nil
}

func randomKey(n int) (string, error) {
	var sb strings.Builder
	alphabetLen := big.NewInt(int64(len(deployKeyAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		sb.WriteByte(deployKeyAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}
