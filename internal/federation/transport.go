package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forge-project/forge-core/internal/models"
	"github.com/forge-project/forge-core/internal/nonce"
)

// SyncRequest is the signed envelope body for POST /federation/sync-request
// (spec.md §6): `{since, capsule_types?, limit}` wrapped the same way a
// handshake or sync payload is — fields canonicalized and signed, not
// wrapped in a separate generic envelope struct, matching how PeerHandshake
// and SyncPayload carry their own signature/nonce/timestamp fields.
type SyncRequest struct {
	PeerID       string    `json:"peer_id"`
	Since        time.Time `json:"since,omitempty"`
	CapsuleTypes []string  `json:"capsule_types,omitempty"`
	Limit        int       `json:"limit"`
	Cursor       string    `json:"cursor,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Signature    string    `json:"signature"`
	Nonce        uint64    `json:"nonce,omitempty"`
}

func syncRequestCanonicalFields(r *SyncRequest) map[string]any {
	return map[string]any{
		"peer_id":       r.PeerID,
		"since":         r.Since.UTC().Format(time.RFC3339Nano),
		"capsule_types": r.CapsuleTypes,
		"limit":         r.Limit,
		"cursor":        r.Cursor,
		"timestamp":     r.Timestamp.UTC().Format(time.RFC3339Nano),
		"nonce":         r.Nonce,
	}
}

// SignSyncRequest stamps and signs a SyncRequest, minting a fresh nonce.
func (p *Protocol) SignSyncRequest(req *SyncRequest) error {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	req.Nonce = uint64(nonce.TimestampNonce(req.Timestamp))
	canonical, err := canonicalJSON(syncRequestCanonicalFields(req))
	if err != nil {
		return fmt.Errorf("federation: canonicalizing sync request: %w", err)
	}
	req.Signature = p.sign(canonical)
	return nil
}

// VerifySyncRequest validates signature, clock skew, and nonce monotonicity
// for an inbound sync request, mirroring VerifySyncPayload.
func (p *Protocol) VerifySyncRequest(ctx context.Context, req *SyncRequest, peerPublicKeyPEM, senderID string) error {
	canonical, err := canonicalJSON(syncRequestCanonicalFields(req))
	if err != nil {
		return fmt.Errorf("federation: canonicalizing sync request: %w", err)
	}
	ok, err := verifySignature(peerPublicKeyPEM, canonical, req.Signature)
	if err != nil {
		return fmt.Errorf("federation: verifying sync request signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("federation: sync request signature invalid")
	}
	if !p.withinClockSkew(req.Timestamp, time.Now().UTC()) {
		return fmt.Errorf("federation: sync request timestamp outside clock skew window")
	}
	accepted, err := p.nonces.Check(ctx, senderID, int64(req.Nonce))
	if err != nil {
		return fmt.Errorf("federation: checking sync request nonce: %w", err)
	}
	if !accepted {
		return fmt.Errorf("federation: sync request nonce replayed or non-monotonic")
	}
	return nil
}

// PushAck is the response body for POST /federation/sync-push (spec.md §6).
type PushAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Transport is the client-role subset of spec.md §6's peer-to-peer HTTP
// contract that the Sync Engine consumes: requesting a page of remote
// changes, and pushing a page of local changes. Serving the corresponding
// inbound endpoints is an HTTP-handler concern and explicitly out of this
// core's scope (spec.md §1) — Transport only models the outbound call.
type Transport interface {
	RequestSync(ctx context.Context, peer *models.Peer, req *SyncRequest) (*models.SyncPayload, error)
	SendPush(ctx context.Context, peer *models.Peer, payload *models.SyncPayload) (*PushAck, error)
}

// HTTPTransport implements Transport over plain HTTP(S) POST calls to a
// peer's base URL, signing requests and verifying responses via Protocol.
type HTTPTransport struct {
	client   *http.Client
	protocol *Protocol
}

// NewHTTPTransport constructs an HTTPTransport with the given overall
// per-call timeout (the circuit breaker applies its own timeout on top;
// this one bounds a single HTTP round trip regardless of breaker config).
func NewHTTPTransport(protocol *Protocol, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		protocol: protocol,
	}
}

// RequestSync signs a SyncRequest and posts it to the peer's sync-request
// endpoint, returning the decoded and signature-verified SyncPayload.
func (t *HTTPTransport) RequestSync(ctx context.Context, peer *models.Peer, req *SyncRequest) (*models.SyncPayload, error) {
	req.PeerID = t.protocol.instanceID
	if err := t.protocol.SignSyncRequest(req); err != nil {
		return nil, err
	}

	var payload models.SyncPayload
	if err := t.postJSON(ctx, peer.BaseURL+"/federation/sync-request", req, &payload); err != nil {
		return nil, err
	}

	if err := t.protocol.VerifySyncPayload(ctx, &payload, peer.PeerPublicKey, peer.ID); err != nil {
		return nil, fmt.Errorf("federation: verifying sync response from %s: %w", peer.ID, err)
	}
	return &payload, nil
}

// SendPush signs payload and posts it to the peer's sync-push endpoint.
func (t *HTTPTransport) SendPush(ctx context.Context, peer *models.Peer, payload *models.SyncPayload) (*PushAck, error) {
	payload.PeerID = t.protocol.instanceID
	if err := t.protocol.SignSyncPayload(payload); err != nil {
		return nil, err
	}

	var ack PushAck
	if err := t.postJSON(ctx, peer.BaseURL+"/federation/sync-push", payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (t *HTTPTransport) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("federation: marshaling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("federation: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("federation: posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("federation: reading response from %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("federation: %s returned status %d: %s", url, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("federation: decoding response from %s: %w", url, err)
		}
	}
	return nil
}
