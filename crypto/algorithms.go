package crypto

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Encryptor is the capability contract for a per-(room, algorithm) outbound
// encryption delegate (§9 design notes: "a closed set of algorithm
// variants... each a concrete implementation behind two capability
// contracts").
type Encryptor interface {
	Init(ctx context.Context) error
	EncryptEvent(ctx context.Context, content any, evtType event.Type, recipients []id.UserID) (*MegolmPayload, error)
}

// Decryptor is the decrypt-side capability contract.
type Decryptor interface {
	Init(ctx context.Context) error
	DecryptEvent(ctx context.Context, evt *event.Event, timelineID string) (*event.Event, error)
	OnRoomKeyEvent(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, sessionKey string) error
	HasKeysForKeyRequest(ctx context.Context, body KeyRequestBody) bool
	ShareKeysWithDevice(ctx context.Context, device *DeviceIdentity, body KeyRequestBody) error
	OnNewSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) error
}

// EncryptorFactory and DecryptorFactory build a fresh instance bound to one room.
type EncryptorFactory func(roomID id.RoomID, c *Coordinator) Encryptor
type DecryptorFactory func(roomID id.RoomID, c *Coordinator) Decryptor

// AlgorithmRegistry is the "small algorithm registry mapping algorithm-string
// -> factory" from §9, replacing the source's reflective class dispatch.
type AlgorithmRegistry struct {
	mu          sync.RWMutex
	encryptors  map[id.Algorithm]EncryptorFactory
	decryptors  map[id.Algorithm]DecryptorFactory
}

func NewAlgorithmRegistry() *AlgorithmRegistry {
	return &AlgorithmRegistry{
		encryptors: make(map[id.Algorithm]EncryptorFactory),
		decryptors: make(map[id.Algorithm]DecryptorFactory),
	}
}

func (r *AlgorithmRegistry) RegisterEncryptor(algorithm id.Algorithm, factory EncryptorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encryptors[algorithm] = factory
}

func (r *AlgorithmRegistry) RegisterDecryptor(algorithm id.Algorithm, factory DecryptorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decryptors[algorithm] = factory
}

func (r *AlgorithmRegistry) NewEncryptor(algorithm id.Algorithm, roomID id.RoomID, c *Coordinator) (Encryptor, error) {
	r.mu.RLock()
	factory, ok := r.encryptors[algorithm]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, algorithm)
	}
	return factory(roomID, c), nil
}

func (r *AlgorithmRegistry) NewDecryptor(algorithm id.Algorithm, roomID id.RoomID, c *Coordinator) (Decryptor, error) {
	r.mu.RLock()
	factory, ok := r.decryptors[algorithm]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, algorithm)
	}
	return factory(roomID, c), nil
}

// DefaultAlgorithmRegistry registers the MegolmV1 encryptor and decryptor for
// room messages. No Olm variant is registered; to-device Olm messages are
// handled by the coordinator directly (olm_decryptor.go, sessions.go).
func DefaultAlgorithmRegistry() *AlgorithmRegistry {
	reg := NewAlgorithmRegistry()
	reg.RegisterEncryptor(id.AlgorithmMegolmV1, func(roomID id.RoomID, c *Coordinator) Encryptor {
		return NewMegolmEncryptor(roomID, c)
	})
	reg.RegisterDecryptor(id.AlgorithmMegolmV1, func(roomID id.RoomID, c *Coordinator) Decryptor {
		return NewMegolmDecryptor(roomID, c)
	})
	return reg
}
