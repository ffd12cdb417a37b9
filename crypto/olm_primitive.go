package crypto

import (
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// OlmPrimitive is the opaque Olm/Megolm primitive boundary named in §1 and
// §4.4-§4.6. The coordinator never reaches into ratchet state directly; it
// only calls through this contract, which is satisfied in production by
// maunium.net/go/mautrix/crypto/olm's Account/Session/group-session types
// (see realOlmPrimitive below). Tests substitute a fake.
type OlmPrimitive interface {
	// IdentityKeys returns the self device's long-lived key pair (§3 SelfDevice).
	IdentityKeys() (ed25519 id.Ed25519, curve25519 id.Curve25519)

	// Sign signs a canonicalized byte string with the self ed25519 key
	// (§4.6 OTK signing, §6 signed device info).
	Sign(canonical []byte) string

	// MaxOneTimeKeys and CurrentOneTimeKeys back the OTK ledger (§4.6).
	MaxOneTimeKeys() int
	CurrentOneTimeKeys() map[id.KeyID]id.Curve25519
	GenerateOneTimeKeys(n int)
	MarkKeysAsPublished()

	// Outbound/inbound Olm session management (§4.4).
	OutboundSessionFor(peerIdentityKey id.Curve25519) (sessionID id.SessionID, ok bool)
	NewOutboundSession(peerIdentityKey id.Curve25519, otk id.Curve25519) (id.SessionID, error)
	NewInboundSessionFrom(peerIdentityKey id.Curve25519, prekeyCiphertext string) (id.SessionID, error)
	SessionMatchesInbound(sessionID id.SessionID, ciphertext string) (bool, error)

	// EncryptOlm / DecryptOlm operate a named session (§4.5, §3 supplement).
	EncryptOlm(sessionID id.SessionID, plaintext []byte) (id.OlmMsgType, string, error)
	DecryptOlm(sessionID id.SessionID, msgType id.OlmMsgType, ciphertext string) ([]byte, error)
	SessionsForPeer(peerIdentityKey id.Curve25519) []id.SessionID

	// Megolm outbound (§3 OutboundMegolmSession).
	NewOutboundGroupSession() (sessionID id.SessionID, sessionKey string)
	EncryptMegolm(sessionID id.SessionID, plaintext []byte) (string, error)

	// Megolm inbound (§3 InboundMegolmSession).
	NewInboundGroupSession(senderKey id.Curve25519, sessionKey string) (sessionID id.SessionID, firstKnownIndex uint32, err error)
	ImportInboundGroupSession(senderKey id.Curve25519, exportedKey string) (sessionID id.SessionID, firstKnownIndex uint32, err error)
	DecryptMegolm(sessionID id.SessionID, ciphertext string) (plaintext []byte, index uint32, err error)
	ExportGroupSession(sessionID id.SessionID, atIndex uint32) (string, error)
}

// realOlmPrimitive adapts maunium.net/go/mautrix/crypto/olm's Account and a
// session table to the OlmPrimitive contract. The olm package itself is the
// "opaque Olm/Megolm primitive" from §1: this file is the only place that
// imports it, everything above operates on session IDs.
type realOlmPrimitive struct {
	account          *olm.Account
	outboundSessions map[id.Curve25519]*olm.Session          // peer key -> most recent outbound (§3: at most one active outbound per peer)
	inboundSessions  map[id.Curve25519][]*olm.Session         // peer key -> all inbound sessions (§3: many may coexist)
	sessionsByID     map[id.SessionID]*olm.Session
	outboundGroups   map[id.SessionID]*olm.OutboundGroupSession
	inboundGroups    map[id.SessionID]*olm.InboundGroupSession
}

func NewRealOlmPrimitive(account *olm.Account) OlmPrimitive {
	return &realOlmPrimitive{
		account:          account,
		outboundSessions: make(map[id.Curve25519]*olm.Session),
		inboundSessions:  make(map[id.Curve25519][]*olm.Session),
		sessionsByID:     make(map[id.SessionID]*olm.Session),
		outboundGroups:   make(map[id.SessionID]*olm.OutboundGroupSession),
		inboundGroups:    make(map[id.SessionID]*olm.InboundGroupSession),
	}
}

func (p *realOlmPrimitive) IdentityKeys() (id.Ed25519, id.Curve25519) {
	return p.account.IdentityKeys()
}

func (p *realOlmPrimitive) Sign(canonical []byte) string {
	return p.account.Sign(canonical)
}

func (p *realOlmPrimitive) MaxOneTimeKeys() int {
	return int(p.account.MaxNumberOfOneTimeKeys())
}

func (p *realOlmPrimitive) CurrentOneTimeKeys() map[id.KeyID]id.Curve25519 {
	out := make(map[id.KeyID]id.Curve25519)
	for keyID, key := range p.account.OneTimeKeys() {
		out[keyID] = key
	}
	return out
}

func (p *realOlmPrimitive) GenerateOneTimeKeys(n int) {
	p.account.GenOneTimeKeys(uint(n))
}

func (p *realOlmPrimitive) MarkKeysAsPublished() {
	p.account.MarkKeysAsPublished()
}

func (p *realOlmPrimitive) OutboundSessionFor(peerIdentityKey id.Curve25519) (id.SessionID, bool) {
	sess, ok := p.outboundSessions[peerIdentityKey]
	if !ok {
		return "", false
	}
	return sess.ID(), true
}

func (p *realOlmPrimitive) NewOutboundSession(peerIdentityKey id.Curve25519, otk id.Curve25519) (id.SessionID, error) {
	sess, err := p.account.NewOutboundSession(peerIdentityKey, otk)
	if err != nil {
		return "", err
	}
	p.outboundSessions[peerIdentityKey] = sess
	p.sessionsByID[sess.ID()] = sess
	return sess.ID(), nil
}

func (p *realOlmPrimitive) NewInboundSessionFrom(peerIdentityKey id.Curve25519, prekeyCiphertext string) (id.SessionID, error) {
	sess, err := p.account.NewInboundSessionFrom(peerIdentityKey, prekeyCiphertext)
	if err != nil {
		return "", err
	}
	p.inboundSessions[peerIdentityKey] = append(p.inboundSessions[peerIdentityKey], sess)
	p.sessionsByID[sess.ID()] = sess
	return sess.ID(), nil
}

func (p *realOlmPrimitive) SessionMatchesInbound(sessionID id.SessionID, ciphertext string) (bool, error) {
	sess, ok := p.sessionsByID[sessionID]
	if !ok {
		return false, ErrNoOutboundSession
	}
	return sess.MatchesInboundSession(ciphertext)
}

func (p *realOlmPrimitive) EncryptOlm(sessionID id.SessionID, plaintext []byte) (id.OlmMsgType, string, error) {
	sess, ok := p.sessionsByID[sessionID]
	if !ok {
		return 0, "", ErrNoOutboundSession
	}
	msgType, ciphertext := sess.Encrypt(plaintext)
	return msgType, ciphertext, nil
}

func (p *realOlmPrimitive) DecryptOlm(sessionID id.SessionID, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	sess, ok := p.sessionsByID[sessionID]
	if !ok {
		return nil, ErrNoOutboundSession
	}
	return sess.Decrypt(ciphertext, msgType)
}

func (p *realOlmPrimitive) SessionsForPeer(peerIdentityKey id.Curve25519) []id.SessionID {
	var ids []id.SessionID
	if sess, ok := p.outboundSessions[peerIdentityKey]; ok {
		ids = append(ids, sess.ID())
	}
	for _, sess := range p.inboundSessions[peerIdentityKey] {
		ids = append(ids, sess.ID())
	}
	return ids
}

func (p *realOlmPrimitive) NewOutboundGroupSession() (id.SessionID, string) {
	sess := olm.NewOutboundGroupSession()
	p.outboundGroups[sess.ID()] = sess
	return sess.ID(), sess.Key()
}

func (p *realOlmPrimitive) EncryptMegolm(sessionID id.SessionID, plaintext []byte) (string, error) {
	sess, ok := p.outboundGroups[sessionID]
	if !ok {
		return "", ErrNoOutboundSession
	}
	return sess.Encrypt(plaintext), nil
}

func (p *realOlmPrimitive) NewInboundGroupSession(senderKey id.Curve25519, sessionKey string) (id.SessionID, uint32, error) {
	sess, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return "", 0, err
	}
	p.inboundGroups[sess.ID()] = sess
	return sess.ID(), sess.FirstKnownIndex(), nil
}

func (p *realOlmPrimitive) ImportInboundGroupSession(senderKey id.Curve25519, exportedKey string) (id.SessionID, uint32, error) {
	sess, err := olm.InboundGroupSessionImport([]byte(exportedKey))
	if err != nil {
		return "", 0, err
	}
	p.inboundGroups[sess.ID()] = sess
	return sess.ID(), sess.FirstKnownIndex(), nil
}

func (p *realOlmPrimitive) DecryptMegolm(sessionID id.SessionID, ciphertext string) ([]byte, uint32, error) {
	sess, ok := p.inboundGroups[sessionID]
	if !ok {
		return nil, 0, NewDecryptionError(UnknownInboundSession, string(sessionID))
	}
	return sess.Decrypt(ciphertext)
}

func (p *realOlmPrimitive) ExportGroupSession(sessionID id.SessionID, atIndex uint32) (string, error) {
	sess, ok := p.inboundGroups[sessionID]
	if !ok {
		return "", ErrNoOutboundSession
	}
	exported, err := sess.Export(atIndex)
	if err != nil {
		return "", err
	}
	return string(exported), nil
}
