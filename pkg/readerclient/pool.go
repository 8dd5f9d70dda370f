// Package readerclient implements the client-side pool manager:
// ReaderBackendClient keeps a locally-cached supply of certified reader
// keys fresh, survives offline periods on whatever keys it already holds,
// and recovers from server amnesia by re-registering.
package readerclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/multipaz/readercred/pkg/attestation"
	"github.com/multipaz/readercred/pkg/log"
	"github.com/multipaz/readercred/pkg/metrics"
	"github.com/multipaz/readercred/pkg/protocol"
	"github.com/multipaz/readercred/pkg/rcerrors"
	"github.com/multipaz/readercred/pkg/securearea"
	"github.com/multipaz/readercred/pkg/storage"
	"github.com/multipaz/readercred/pkg/transport"
)

const (
	registrationTable = "ReaderBackendClientRegistrationData"
	certifiedKeyTable = "ReaderBackendClientCertifiedKeys"
	registrationKey   = "default"
)

// registrationData is the client-persisted registration row.
// AttestationBlob plays the role of a platform deviceAttestationId: this
// implementation's attestation.Generator hands back raw opaque blobs
// rather than a platform-local id, so the blob itself is what gets
// persisted and later re-submitted to GenerateAssertion.
type registrationData struct {
	AttestationBlob []byte `json:"attestationBlob"`
	RegistrationID  string `json:"registrationId"`
}

// certifiedKeyRow is the client-persisted certified-key row.
type certifiedKeyRow struct {
	Alias      string    `json:"alias"`
	CertChain  []string  `json:"certChain"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
	RefreshAt  time.Time `json:"refreshAt"`
}

func (r certifiedKeyRow) validAt(now time.Time) bool {
	return r.ValidFrom.Before(now) && now.Before(r.ValidUntil)
}

func (r certifiedKeyRow) refreshDue(now time.Time) bool {
	return now.After(r.RefreshAt)
}

// CertifiedKey is the public shape getKey returns.
type CertifiedKey struct {
	Alias     string
	CertChain []string
}

// ReaderBackendClient is the pool manager. All mutating operations
// serialise on mu: there is no parallel execution inside it.
type ReaderBackendClient struct {
	mu sync.Mutex

	store       storage.Store
	secureArea  securearea.Area
	transport   *transport.Client
	generator   attestation.Generator
	clock       clock.Clock
	targetCount int

	regTable  storage.Table
	keysTable storage.Table

	registration *registrationData // nil until loaded/created

	// pending carries secure-store aliases created just before a 404 on
	// certifyKeys discovers the registration is gone: carried across to
	// the next replenishment attempt rather than discarded or rolled back.
	pending []pendingKey
}

type pendingKey struct {
	alias string
	info  securearea.KeyInfo
}

// Config bundles ReaderBackendClient's dependencies.
type Config struct {
	Store       storage.Store
	SecureArea  securearea.Area
	Transport   *transport.Client
	Generator   attestation.Generator
	Clock       clock.Clock
	TargetCount int
}

// New constructs a ReaderBackendClient and reconciles the pool against the
// secure store: orphaned secure-store keys (created but never certified,
// typically from a crash) are garbage-collected by enumerating on load.
func New(cfg Config) (*ReaderBackendClient, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TargetCount <= 0 {
		cfg.TargetCount = 10
	}

	c := &ReaderBackendClient{
		store:       cfg.Store,
		secureArea:  cfg.SecureArea,
		transport:   cfg.Transport,
		generator:   cfg.Generator,
		clock:       cfg.Clock,
		targetCount: cfg.TargetCount,
		regTable:    cfg.Store.Table(registrationTable),
		keysTable:   cfg.Store.Table(certifiedKeyTable),
	}

	if raw, err := c.regTable.Get(registrationKey); err == nil {
		var reg registrationData
		if err := json.Unmarshal(raw, &reg); err == nil {
			c.registration = &reg
		}
	}

	if err := c.reconcile(); err != nil {
		return nil, err
	}
	return c, nil
}

// reconcile deletes secure-store keys that have no corresponding
// certifiedKeyRow, which can only happen after a crash between key
// creation and row insertion.
func (c *ReaderBackendClient) reconcile() error {
	rows, err := c.keysTable.Enumerate()
	if err != nil {
		return rcerrors.InternalServerError("readerclient: enumerate certified keys: %v", err)
	}
	live := make(map[string]bool, len(rows))
	for _, raw := range rows {
		var row certifiedKeyRow
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		live[row.Alias] = true
	}

	aliases, err := c.secureArea.ListAliases()
	if err != nil {
		return rcerrors.InternalServerError("readerclient: list secure-store aliases: %v", err)
	}
	for _, alias := range aliases {
		if !live[alias] {
			log.WithAlias(alias).Warn().Msg("deleting orphaned secure-store key found on load")
			if err := c.secureArea.DeleteKey(alias); err != nil {
				return rcerrors.InternalServerError("readerclient: gc orphan %s: %v", alias, err)
			}
		}
	}
	return nil
}

// GetKey returns the oldest currently-valid certified key (the one with
// the smallest ValidFrom), replenishing the pool first if it's due.
func (c *ReaderBackendClient) GetKey(ctx context.Context, now time.Time) (CertifiedKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureReplenishedLocked(ctx, now); err != nil {
		if rcerrors.Is(err, rcerrors.RegistrationLost) {
			// Retry once after re-registration; any further error is swallowed.
			_ = c.ensureReplenishedLocked(ctx, now)
		}
		// All replenishment failures are best-effort; getKey only fails
		// terminally if no valid key survives below.
	}

	rows, err := c.allRowsLocked()
	if err != nil {
		return CertifiedKey{}, err
	}

	var best *certifiedKeyRow
	for i := range rows {
		r := &rows[i]
		if !r.validAt(now) {
			continue
		}
		if best == nil || r.ValidFrom.Before(best.ValidFrom) {
			best = r
		}
	}
	if best == nil {
		return CertifiedKey{}, rcerrors.NoValidKeyError("no currently-valid key and replenishment failed")
	}
	return CertifiedKey{Alias: best.Alias, CertChain: best.CertChain}, nil
}

// MarkKeyAsUsed deletes a used key from the pool. The last remaining key
// is deleted only if a replenishment attempt adds another; otherwise it is
// retained and GetKey may return it again.
func (c *ReaderBackendClient) MarkKeyAsUsed(ctx context.Context, alias string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rowKey, _, err := c.findRowByAliasLocked(alias)
	if err != nil {
		return err
	}

	rows, err := c.allRowsLocked()
	if err != nil {
		return err
	}

	if len(rows) > 1 {
		return c.deleteRowLocked(rowKey, alias, "used")
	}

	// Last remaining key: try to replenish before giving it up.
	_ = c.ensureReplenishedLocked(ctx, now)

	rows, err = c.allRowsLocked()
	if err != nil {
		return err
	}
	if len(rows) > 1 {
		return c.deleteRowLocked(rowKey, alias, "used")
	}
	// Retained: replenishment did not add a second key, so this alias may
	// still be needed while offline.
	return nil
}

func (c *ReaderBackendClient) findRowByAliasLocked(alias string) (rowKey string, row certifiedKeyRow, err error) {
	all, err := c.keysTable.Enumerate()
	if err != nil {
		return "", certifiedKeyRow{}, rcerrors.InternalServerError("readerclient: enumerate certified keys: %v", err)
	}
	for key, raw := range all {
		var r certifiedKeyRow
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.Alias == alias {
			return key, r, nil
		}
	}
	return "", certifiedKeyRow{}, rcerrors.UnknownKeyError("alias %q not held by the pool", alias)
}

func (c *ReaderBackendClient) deleteRowLocked(rowKey, alias, reason string) error {
	if err := c.keysTable.Delete(rowKey); err != nil {
		return rcerrors.InternalServerError("readerclient: delete certified key row: %v", err)
	}
	metrics.PoolEvictionsTotal.WithLabelValues(reason).Inc()
	if err := c.secureArea.DeleteKey(alias); err != nil {
		return rcerrors.InternalServerError("readerclient: delete secure-store key: %v", err)
	}
	return nil
}

func (c *ReaderBackendClient) allRowsLocked() ([]certifiedKeyRow, error) {
	raw, err := c.keysTable.Enumerate()
	if err != nil {
		return nil, rcerrors.InternalServerError("readerclient: enumerate certified keys: %v", err)
	}
	rows := make([]certifiedKeyRow, 0, len(raw))
	for _, v := range raw {
		var r certifiedKeyRow
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		rows = append(rows, r)
	}
	c.reportPoolSize(rows)
	return rows, nil
}

func (c *ReaderBackendClient) reportPoolSize(rows []certifiedKeyRow) {
	now := c.clock.Now()
	valid := 0
	for _, r := range rows {
		if r.validAt(now) {
			valid++
		}
	}
	metrics.PoolSize.WithLabelValues("valid").Set(float64(valid))
	metrics.PoolSize.WithLabelValues("total").Set(float64(len(rows)))
}

// Stats is a read-only operational summary: the natural complement to
// GetKey/MarkKeyAsUsed for CLI and metrics surfaces.
type Stats struct {
	ValidCount int
	TotalCount int
	NextRefresh time.Time
}

func (c *ReaderBackendClient) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.allRowsLocked()
	if err != nil {
		return Stats{}, err
	}
	now := c.clock.Now()
	var s Stats
	s.TotalCount = len(rows)
	for _, r := range rows {
		if r.validAt(now) {
			s.ValidCount++
		}
		if s.NextRefresh.IsZero() || r.RefreshAt.Before(s.NextRefresh) {
			s.NextRefresh = r.RefreshAt
		}
	}
	return s, nil
}

// GetTrustedIssuers is a thin, serialised delegate to the server's
// getIssuerList. A nil returned pointer means "no update" — the caller's
// built-in trust list is already current.
func (c *ReaderBackendClient) GetTrustedIssuers(ctx context.Context, currentVersion *int64) (*protocol.GetIssuerListResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.transport.GetIssuerList(ctx, protocol.GetIssuerListRequest{CurrentVersion: currentVersion})
	if err != nil {
		return nil, err
	}
	if resp.UpToDate {
		return nil, nil
	}
	return &resp, nil
}

// ensureReplenishedLocked does nothing beyond evicting refresh-due keys
// while more than targetCount/2 keys are good; otherwise it certifies
// enough new keys to bring the good count back to targetCount.
// Caller must hold mu.
func (c *ReaderBackendClient) ensureReplenishedLocked(ctx context.Context, now time.Time) error {
	rows, err := c.keysTable.Enumerate()
	if err != nil {
		return rcerrors.InternalServerError("readerclient: enumerate certified keys: %v", err)
	}

	type keyed struct {
		key string
		row certifiedKeyRow
	}
	all := make([]keyed, 0, len(rows))
	for k, v := range rows {
		var r certifiedKeyRow
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		all = append(all, keyed{key: k, row: r})
	}

	var toDelete []keyed
	goodCount := 0
	for _, kv := range all {
		if kv.row.refreshDue(now) {
			toDelete = append(toDelete, kv)
			continue
		}
		if kv.row.validAt(now) {
			goodCount++
		}
	}

	if goodCount > c.targetCount/2 {
		for _, kv := range toDelete {
			if err := c.deleteRowLocked(kv.key, kv.row.Alias, "refresh_due"); err != nil {
				return err
			}
		}
		metrics.PoolReplenishmentsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	reg, err := c.ensureRegisteredLocked(ctx)
	if err != nil {
		metrics.PoolReplenishmentsTotal.WithLabelValues("transport_error").Inc()
		return err
	}

	nonceResp, err := c.transport.GetNonce(ctx)
	if err != nil {
		metrics.PoolReplenishmentsTotal.WithLabelValues("transport_error").Inc()
		return err
	}
	assertion, err := c.generator.GenerateAssertion(decodeNonce(nonceResp.Nonce), reg.AttestationBlob)
	if err != nil {
		metrics.PoolReplenishmentsTotal.WithLabelValues("transport_error").Inc()
		return rcerrors.InternalServerError("readerclient: generate assertion: %v", err)
	}

	need := c.targetCount - goodCount
	keys, err := c.createOrReusePendingKeysLocked(need)
	if err != nil {
		metrics.PoolReplenishmentsTotal.WithLabelValues("transport_error").Inc()
		return err
	}

	jwks := make([]protocol.JWK, len(keys))
	for i, k := range keys {
		jwks[i] = protocol.EncodeJWK(k.info.PublicKey)
	}

	resp, err := c.transport.CertifyKeys(ctx, protocol.CertifyKeysRequest{
		RegistrationID:  reg.RegistrationID,
		Nonce:           nonceResp.Nonce,
		DeviceAssertion: encodeToBase64URL(assertion),
		Keys:            jwks,
	})
	if err != nil {
		if rcerrors.Is(err, rcerrors.RegistrationLost) {
			// Decision 2: retain the freshly created keys for the retry
			// instead of deleting them or leaving them truly orphaned.
			c.pending = append(c.pending, keys...)
			c.registration = nil
			if err := c.regTable.Delete(registrationKey); err != nil {
				return rcerrors.InternalServerError("readerclient: delete stale registration: %v", err)
			}
			metrics.PoolReplenishmentsTotal.WithLabelValues("registration_lost").Inc()
			return err
		}
		metrics.PoolReplenishmentsTotal.WithLabelValues("transport_error").Inc()
		return err
	}

	if len(resp.ReaderCertifications) != len(keys) {
		return rcerrors.InternalServerError("readerclient: certification count mismatch: got %d, want %d", len(resp.ReaderCertifications), len(keys))
	}

	for i, k := range keys {
		chain := resp.ReaderCertifications[i]
		if err := verifyChain(chain, now); err != nil {
			return rcerrors.InternalServerError("readerclient: %v", err)
		}
		validFrom, validUntil, err := leafValidity(chain)
		if err != nil {
			return rcerrors.InternalServerError("readerclient: parse issued chain: %v", err)
		}
		row := certifiedKeyRow{
			Alias:      k.alias,
			CertChain:  chain,
			ValidFrom:  validFrom,
			ValidUntil: validUntil,
			RefreshAt:  validFrom.Add((validUntil.Sub(validFrom) * 2) / 3),
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return rcerrors.InternalServerError("readerclient: marshal certified key row: %v", err)
		}
		if err := c.keysTable.Insert(storage.NewAutoKey(), encoded); err != nil {
			return rcerrors.InternalServerError("readerclient: insert certified key row: %v", err)
		}
	}

	for _, kv := range toDelete {
		if err := c.deleteRowLocked(kv.key, kv.row.Alias, "refresh_due"); err != nil {
			return err
		}
	}

	metrics.PoolReplenishmentsTotal.WithLabelValues("success").Inc()
	return nil
}

// createOrReusePendingKeysLocked returns need secure-store keys, reusing
// any carried-over pending keys from a prior 404 retry before minting new
// ones.
func (c *ReaderBackendClient) createOrReusePendingKeysLocked(need int) ([]pendingKey, error) {
	keys := make([]pendingKey, 0, need)
	for len(keys) < need && len(c.pending) > 0 {
		keys = append(keys, c.pending[0])
		c.pending = c.pending[1:]
	}
	for len(keys) < need {
		info, err := c.secureArea.CreateKey()
		if err != nil {
			return nil, rcerrors.InternalServerError("readerclient: create secure-store key: %v", err)
		}
		keys = append(keys, pendingKey{alias: info.Alias, info: info})
	}
	return keys, nil
}

// ensureRegisteredLocked loads a cached registration or performs a fresh
// getNonce/register round trip, caching the result for reuse.
func (c *ReaderBackendClient) ensureRegisteredLocked(ctx context.Context) (*registrationData, error) {
	if c.registration != nil {
		return c.registration, nil
	}

	nonceResp, err := c.transport.GetNonce(ctx)
	if err != nil {
		return nil, err
	}
	blob, err := c.generator.GenerateAttestation(decodeNonce(nonceResp.Nonce))
	if err != nil {
		return nil, rcerrors.InternalServerError("readerclient: generate attestation: %v", err)
	}

	resp, err := c.transport.Register(ctx, protocol.RegisterRequest{
		Nonce:             nonceResp.Nonce,
		DeviceAttestation: encodeToBase64URL(blob),
	})
	if err != nil {
		return nil, err
	}

	reg := &registrationData{AttestationBlob: blob, RegistrationID: resp.RegistrationID}
	encoded, err := json.Marshal(reg)
	if err != nil {
		return nil, rcerrors.InternalServerError("readerclient: marshal registration: %v", err)
	}
	if err := c.regTable.Insert(registrationKey, encoded); err != nil {
		// A stale row from a previous registration-lost cycle may still
		// be present if deletion raced; overwrite rather than fail.
		if err := c.regTable.Update(registrationKey, encoded); err != nil {
			return nil, rcerrors.InternalServerError("readerclient: persist registration: %v", err)
		}
	}
	c.registration = reg
	return reg, nil
}
