package issuer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bluele/gcache"

	"ledger/cmd/internal/creds"
)

// KeyLister is implemented by Client.
type KeyLister interface {
	Issuers(ctx context.Context) ([]Key, error)
}

const issuersCacheKey = "issuers"

// KeySet is the allowlist of issuer public keys per trigger type.
//
// Static keys come from configuration and are always allowed. When a lister is
// set, remote keys are fetched lazily and cached for ttl.
type KeySet struct {
	mu     sync.RWMutex
	static map[creds.TriggerType]map[string]struct{}

	lister  KeyLister
	cache   gcache.Cache
	timeout time.Duration
	log     *slog.Logger
}

// NewKeySet builds a KeySet. lister may be nil for static-only sets.
func NewKeySet(static map[creds.TriggerType][]string, lister KeyLister, ttl time.Duration, log *slog.Logger) *KeySet {
	if log == nil {
		log = slog.Default()
	}
	ks := &KeySet{
		static:  make(map[creds.TriggerType]map[string]struct{}),
		lister:  lister,
		timeout: 10 * time.Second,
		log:     log,
	}
	for tt, keys := range static {
		for _, k := range keys {
			ks.addStatic(tt, k)
		}
	}
	if lister != nil {
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		ks.cache = gcache.New(1).
			LRU().
			Expiration(ttl).
			LoaderFunc(ks.load).
			Build()
	}
	return ks
}

func (ks *KeySet) addStatic(tt creds.TriggerType, key string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	m := ks.static[tt]
	if m == nil {
		m = make(map[string]struct{})
		ks.static[tt] = m
	}
	m[key] = struct{}{}
}

// Add allows key for tt in addition to configured keys.
func (ks *KeySet) Add(tt creds.TriggerType, key string) { ks.addStatic(tt, key) }

func (ks *KeySet) load(any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ks.timeout)
	defer cancel()

	keys, err := ks.lister.Issuers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[creds.TriggerType]map[string]struct{})
	for _, k := range keys {
		tt, err := creds.ParseTriggerType(k.Type)
		if err != nil {
			ks.log.Warn("issuer.keys.skip", "type", k.Type)
			continue
		}
		if out[tt] == nil {
			out[tt] = make(map[string]struct{})
		}
		out[tt][k.PublicKey] = struct{}{}
	}
	ks.log.Info("issuer.keys.loaded", "count", len(keys))
	return out, nil
}

// Allowed reports whether publicKey may sign batches of type tt.
//
// A key unknown to the static set when the remote list cannot be fetched is an
// ErrRetry, so an issuer outage is not mistaken for key substitution.
func (ks *KeySet) Allowed(ctx context.Context, tt creds.TriggerType, publicKey string) (bool, error) {
	if publicKey == "" {
		return false, nil
	}
	ks.mu.RLock()
	_, ok := ks.static[tt][publicKey]
	ks.mu.RUnlock()
	if ok || ks.cache == nil {
		return ok, nil
	}
	if err := ctx.Err(); err != nil {
		return false, creds.OpError{Op: "issuer.KeySet.Allowed", Kind: creds.ErrRetry, Err: err}
	}

	v, err := ks.cache.Get(issuersCacheKey)
	if err != nil {
		return false, creds.OpError{Op: "issuer.KeySet.Allowed", Kind: creds.ErrRetry, Msg: "issuer key list unavailable", Err: err}
	}
	remote, _ := v.(map[creds.TriggerType]map[string]struct{})
	_, ok = remote[tt][publicKey]
	return ok, nil
}

// Refresh drops the cached remote list so the next check reloads it.
func (ks *KeySet) Refresh() {
	if ks.cache != nil {
		ks.cache.Purge()
	}
}
