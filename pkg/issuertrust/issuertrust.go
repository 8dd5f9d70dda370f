// Package issuertrust implements a versioned pull of trusted-issuer
// entries from the reader backend, and the client-side built-in trust
// manager that atomically replaces its entries whenever the pulled
// version changes.
package issuertrust

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/multipaz/readercred/pkg/log"
	"github.com/multipaz/readercred/pkg/metrics"
	"github.com/multipaz/readercred/pkg/protocol"
	"github.com/multipaz/readercred/pkg/readerclient"
	"github.com/multipaz/readercred/pkg/storage"
)

const (
	entriesTable = "ClientBuiltInIssuerEntries"
	metaTable    = "ClientBuiltInIssuerMeta"
	metaKey      = "default"

	// DefaultPollInterval polls on startup and then every 4 hours.
	DefaultPollInterval = 4 * time.Hour
)

type meta struct {
	Version   int64     `json:"builtInIssuersVersion"`
	UpdatedAt time.Time `json:"builtInIssuersUpdatedAt"`
}

// Manager owns the built-in (server-fed) trust list. It is disjoint from
// any user-managed trust list, which this package never touches.
type Manager struct {
	mu      sync.Mutex
	client  *readerclient.ReaderBackendClient
	entries storage.Table
	meta    storage.Table
}

func New(client *readerclient.ReaderBackendClient, store storage.Store) *Manager {
	return &Manager{
		client:  client,
		entries: store.Table(entriesTable),
		meta:    store.Table(metaTable),
	}
}

// CurrentVersion returns the version last successfully applied, or nil if
// no version has ever been applied (requests the full list).
func (m *Manager) CurrentVersion() (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersionLocked()
}

func (m *Manager) currentVersionLocked() (*int64, error) {
	raw, err := m.meta.Get(metaKey)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("issuertrust: read meta: %w", err)
	}
	var md meta
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("issuertrust: unmarshal meta: %w", err)
	}
	v := md.Version
	return &v, nil
}

// Entries returns the currently-applied built-in trust list, in order.
func (m *Manager) Entries() ([]protocol.IssuerTrustEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesLocked()
}

func (m *Manager) entriesLocked() ([]protocol.IssuerTrustEntry, error) {
	rows, err := m.entries.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("issuertrust: enumerate entries: %w", err)
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]protocol.IssuerTrustEntry, 0, len(rows))
	for _, k := range keys {
		var e protocol.IssuerTrustEntry
		if err := json.Unmarshal(rows[k], &e); err != nil {
			return nil, fmt.Errorf("issuertrust: unmarshal entry %s: %w", k, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Refresh pulls getTrustedIssuers and, if the server's version differs
// from the one last applied,
// atomically replaces the built-in trust list: enumerate existing
// entries, delete them, insert the new entries in order, then persist the
// new version and timestamp.
func (m *Manager) Refresh(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.currentVersionLocked()
	if err != nil {
		return err
	}

	resp, err := m.client.GetTrustedIssuers(ctx, current)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil // up to date
	}

	existing, err := m.entries.Enumerate()
	if err != nil {
		return fmt.Errorf("issuertrust: enumerate before replace: %w", err)
	}
	for k := range existing {
		if err := m.entries.Delete(k); err != nil {
			return fmt.Errorf("issuertrust: delete stale entry %s: %w", k, err)
		}
	}

	for i, entry := range resp.Entries {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("issuertrust: marshal entry %d: %w", i, err)
		}
		if err := m.entries.Insert(orderedKey(i), encoded); err != nil {
			return fmt.Errorf("issuertrust: insert entry %d: %w", i, err)
		}
	}

	md := meta{Version: resp.Version, UpdatedAt: now}
	encoded, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("issuertrust: marshal meta: %w", err)
	}
	if err := m.meta.Insert(metaKey, encoded); err != nil {
		if err := m.meta.Update(metaKey, encoded); err != nil {
			return fmt.Errorf("issuertrust: persist meta: %w", err)
		}
	}

	metrics.IssuerTrustListVersion.Set(float64(resp.Version))
	log.WithComponent("issuertrust").Info().Int64("version", resp.Version).Int("entries", len(resp.Entries)).Msg("applied new built-in trust list")
	return nil
}

// StartPolling runs Refresh once immediately, then every interval (default
// DefaultPollInterval), until ctx is cancelled.
func (m *Manager) StartPolling(ctx context.Context, interval time.Duration, nowFn func() time.Time) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	if err := m.Refresh(ctx, nowFn()); err != nil {
		log.WithComponent("issuertrust").Warn().Err(err).Msg("initial trust list refresh failed")
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(ctx, nowFn()); err != nil {
					log.WithComponent("issuertrust").Warn().Err(err).Msg("trust list refresh failed")
				}
			}
		}
	}()
}

func orderedKey(i int) string {
	return fmt.Sprintf("%06d", i)
}
