package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// fakeOlmPrimitive is a deterministic, non-cryptographic stand-in for
// OlmPrimitive used by coordinator-level tests. It tracks session existence
// and "encrypts" by tagging plaintext with the session ID, which is enough
// to exercise the coordinator's dispatch logic without linking real libolm.
type fakeOlmPrimitive struct {
	mu sync.Mutex

	ed25519Pub  ed25519.PublicKey
	ed25519Priv ed25519.PrivateKey
	curve25519  id.Curve25519

	nextSessionID int
	outboundByPeer map[id.Curve25519]id.SessionID
	groupSessions  map[id.SessionID]string // sessionID -> plaintexts joined, for test assertions
	inboundGroups  map[id.SessionID]string // sessionID -> session key they were created from

	generatedOTKBatches int
	marksPublished      int
}

func newFakeOlmPrimitive(curve25519 id.Curve25519) *fakeOlmPrimitive {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return &fakeOlmPrimitive{
		ed25519Pub:     pub,
		ed25519Priv:    priv,
		curve25519:     curve25519,
		outboundByPeer: make(map[id.Curve25519]id.SessionID),
		groupSessions:  make(map[id.SessionID]string),
		inboundGroups:  make(map[id.SessionID]string),
	}
}

func (p *fakeOlmPrimitive) ed25519Fingerprint() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(p.ed25519Pub))
}

func (p *fakeOlmPrimitive) signRaw(canonical []byte) string {
	sig := ed25519.Sign(p.ed25519Priv, canonical)
	return base64.RawStdEncoding.EncodeToString(sig)
}

func (p *fakeOlmPrimitive) IdentityKeys() (id.Ed25519, id.Curve25519) {
	return p.ed25519Fingerprint(), p.curve25519
}

func (p *fakeOlmPrimitive) Sign(canonical []byte) string {
	return p.signRaw(canonical)
}

func (p *fakeOlmPrimitive) MaxOneTimeKeys() int                           { return 50 }
func (p *fakeOlmPrimitive) CurrentOneTimeKeys() map[id.KeyID]id.Curve25519 { return nil }

func (p *fakeOlmPrimitive) GenerateOneTimeKeys(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generatedOTKBatches++
}

func (p *fakeOlmPrimitive) MarkKeysAsPublished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marksPublished++
}

func (p *fakeOlmPrimitive) OutboundSessionFor(peerIdentityKey id.Curve25519) (id.SessionID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.outboundByPeer[peerIdentityKey]
	return s, ok
}

func (p *fakeOlmPrimitive) NewOutboundSession(peerIdentityKey id.Curve25519, otk id.Curve25519) (id.SessionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSessionID++
	sid := id.SessionID(fmt.Sprintf("fake-outbound-%d", p.nextSessionID))
	p.outboundByPeer[peerIdentityKey] = sid
	return sid, nil
}

func (p *fakeOlmPrimitive) NewInboundSessionFrom(peerIdentityKey id.Curve25519, prekeyCiphertext string) (id.SessionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSessionID++
	return id.SessionID(fmt.Sprintf("fake-inbound-%d", p.nextSessionID)), nil
}

func (p *fakeOlmPrimitive) SessionMatchesInbound(sessionID id.SessionID, ciphertext string) (bool, error) {
	return true, nil
}

func (p *fakeOlmPrimitive) EncryptOlm(sessionID id.SessionID, plaintext []byte) (id.OlmMsgType, string, error) {
	return 1, string(plaintext), nil
}

func (p *fakeOlmPrimitive) DecryptOlm(sessionID id.SessionID, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}

func (p *fakeOlmPrimitive) SessionsForPeer(peerIdentityKey id.Curve25519) []id.SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.outboundByPeer[peerIdentityKey]; ok {
		return []id.SessionID{s}
	}
	return nil
}

func (p *fakeOlmPrimitive) NewOutboundGroupSession() (id.SessionID, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSessionID++
	sid := id.SessionID(fmt.Sprintf("fake-group-%d", p.nextSessionID))
	p.groupSessions[sid] = ""
	return sid, "fake-session-key-" + string(sid)
}

func (p *fakeOlmPrimitive) EncryptMegolm(sessionID id.SessionID, plaintext []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.groupSessions[sessionID]; !ok {
		return "", ErrNoOutboundSession
	}
	return string(plaintext), nil
}

func (p *fakeOlmPrimitive) NewInboundGroupSession(senderKey id.Curve25519, sessionKey string) (id.SessionID, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSessionID++
	sid := id.SessionID(fmt.Sprintf("fake-inbound-group-%d", p.nextSessionID))
	p.inboundGroups[sid] = sessionKey
	return sid, 0, nil
}

func (p *fakeOlmPrimitive) ImportInboundGroupSession(senderKey id.Curve25519, exportedKey string) (id.SessionID, uint32, error) {
	return p.NewInboundGroupSession(senderKey, exportedKey)
}

func (p *fakeOlmPrimitive) DecryptMegolm(sessionID id.SessionID, ciphertext string) ([]byte, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inboundGroups[sessionID]; !ok {
		return nil, 0, NewDecryptionError(UnknownInboundSession, string(sessionID))
	}
	return []byte(ciphertext), 0, nil
}

func (p *fakeOlmPrimitive) ExportGroupSession(sessionID id.SessionID, atIndex uint32) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.inboundGroups[sessionID]
	if !ok {
		return "", ErrNoOutboundSession
	}
	return key, nil
}

// fakeHomeserverClient is an in-memory HomeserverClient recording sent
// to-device payloads for assertions.
type fakeHomeserverClient struct {
	mu sync.Mutex

	claimResponse    map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey
	queryKeysResult  map[id.UserID]map[id.DeviceID]QueriedDevice
	uploadKeysCounts []map[id.Algorithm]int // scripted per-call OneTimeKeyCounts responses
	uploadKeysCalls  int
	sent             []sentToDevice
	sendErr          error
}

type sentToDevice struct {
	eventType string
	txnID     string
	messages  map[id.UserID]map[id.DeviceID]any
}

func newFakeHomeserverClient() *fakeHomeserverClient {
	return &fakeHomeserverClient{}
}

func (f *fakeHomeserverClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeHomeserverClient) uploadCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadKeysCalls
}

func (f *fakeHomeserverClient) UploadKeys(ctx context.Context, deviceKeys *SignedDeviceKeys, oneTimeKeys map[id.KeyID]SignedOneTimeKey, deviceID id.DeviceID) (*UploadKeysResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadKeysCalls < len(f.uploadKeysCounts) {
		counts := f.uploadKeysCounts[f.uploadKeysCalls]
		f.uploadKeysCalls++
		return &UploadKeysResult{OneTimeKeyCounts: counts}, nil
	}
	f.uploadKeysCalls++
	return &UploadKeysResult{}, nil
}

func (f *fakeHomeserverClient) ClaimOneTimeKeys(ctx context.Context, want map[id.UserID]map[id.DeviceID]id.Algorithm) (map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimResponse, nil
}

func (f *fakeHomeserverClient) QueryKeys(ctx context.Context, userIDs []id.UserID, token string) (map[id.UserID]map[id.DeviceID]QueriedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryKeysResult, nil
}

func (f *fakeHomeserverClient) SendToDevice(ctx context.Context, eventType event.Type, txnID string, messages map[id.UserID]map[id.DeviceID]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentToDevice{eventType: eventType.Type, txnID: txnID, messages: messages})
	return nil
}
