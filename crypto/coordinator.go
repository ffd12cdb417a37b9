package crypto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// State is the Coordinator's lifecycle state from §4.1: IDLE -> STARTING -> STARTED.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStarted
	StateClosed
)

// NetworkObserver lets the host tell the coordinator when connectivity comes
// back, per §4.1's "start defers until the observer reports connected." It
// is an external collaborator (§1); nil means no gating.
type NetworkObserver interface {
	Connected() bool
	Subscribe(onConnected func()) (unsubscribe func())
}

// Config carries the coordinator's tunables, all named in §3/§4.6.
type Config struct {
	SupportedAlgorithms      []id.Algorithm
	GlobalBlacklistDefault   bool
	EncryptForInviteesGlobal bool
	StartupRetryDelay        time.Duration // §4.1, §5: 1s
	OTKUploadPeriod          time.Duration // §4.6: 60s
	OTKGenerationBatchSize   int           // §4.6: 5
}

func DefaultConfig() Config {
	return Config{
		SupportedAlgorithms:      []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		StartupRetryDelay:        time.Second,
		OTKUploadPeriod:          60 * time.Second,
		OTKGenerationBatchSize:   5,
	}
}

// IncomingRequestListener is notified when a request needs a user decision,
// or is cancelled (§4.7).
type IncomingRequestListener interface {
	OnIncomingKeyRequest(ctx context.Context, req *IncomingRoomKeyRequest, device *DeviceIdentity)
	OnIncomingKeyRequestCancelled(ctx context.Context, requestID string)
}

// Coordinator is the orchestrator described in §2 and §4.1. It is the sole
// owner of its subordinate components (DeviceListTracker, encryptors,
// decryptors, OutgoingRequestManager); they receive a back-reference to it
// rather than the other way around (§9: "re-architect so the coordinator is
// the sole owner").
type Coordinator struct {
	cfg   Config
	log   zerolog.Logger
	store KeyStore
	olm   OlmPrimitive
	hs    HomeserverClient
	registry *AlgorithmRegistry

	encryptCtx *serialExecutor
	decryptCtx *serialExecutor
	uiCtx      *serialExecutor

	self *SelfDevice

	stateMu sync.RWMutex
	state   State

	startMu               sync.Mutex
	pendingStartCallbacks []func(error)

	netObserver        NetworkObserver
	unsubscribeNetwork func()

	devices *DeviceListTracker
	outgoing *OutgoingRequestManager

	encryptorsMu sync.Mutex
	encryptors   map[id.RoomID]Encryptor

	decryptorsMu sync.Mutex
	decryptors   map[roomAlgoKey]Decryptor

	incomingMu        sync.Mutex
	incomingListeners []IncomingRequestListener

	otk *otkLedgerState
}

type roomAlgoKey struct {
	room id.RoomID
	algo id.Algorithm
}

// NewCoordinator constructs a Coordinator. It loads or generates the self
// device per §4.1 step 0, but does not perform any network I/O — that
// happens in Start.
func NewCoordinator(ctx context.Context, cfg Config, log zerolog.Logger, store KeyStore, olmPrimitive OlmPrimitive, hs HomeserverClient, userID id.UserID) (*Coordinator, error) {
	c := &Coordinator{
		cfg:        cfg,
		log:        log.With().Str("component", "coordinator").Logger(),
		store:      store,
		olm:        olmPrimitive,
		hs:         hs,
		registry:   DefaultAlgorithmRegistry(),
		encryptCtx: newSerialExecutor(),
		decryptCtx: newSerialExecutor(),
		uiCtx:      newSerialExecutor(),
		encryptors: make(map[id.RoomID]Encryptor),
		decryptors: make(map[roomAlgoKey]Decryptor),
		otk:        &otkLedgerState{},
	}
	c.devices = NewDeviceListTracker(c)
	c.outgoing = NewOutgoingRequestManager(c)

	if err := c.loadOrCreateSelfDevice(ctx, userID); err != nil {
		return nil, err
	}
	return c, nil
}

// loadOrCreateSelfDevice implements §4.1's construction step and §3's
// SelfDevice invariant: device_id is loaded from store, or freshly generated
// as a UUID and persisted; the (ed25519, curve25519) pair, once chosen by
// OlmPrimitive, never changes.
func (c *Coordinator) loadOrCreateSelfDevice(ctx context.Context, userID id.UserID) error {
	existing, err := c.store.LoadSelfDevice(ctx, userID)
	if err != nil {
		return fmt.Errorf("load self device: %w", err)
	}
	ed25519Key, curve25519Key := c.olm.IdentityKeys()

	if existing != nil {
		if existing.Ed25519 != ed25519Key || existing.Curve25519 != curve25519Key {
			return fmt.Errorf("mxcrypto: stored self device keys do not match the loaded Olm account for %s", userID)
		}
		c.self = existing
		return nil
	}

	deviceID := id.DeviceID(uuid.NewString())
	self := &SelfDevice{DeviceIdentity: DeviceIdentity{
		UserID:       userID,
		DeviceID:     deviceID,
		Ed25519:      ed25519Key,
		Curve25519:   curve25519Key,
		Algorithms:   c.cfg.SupportedAlgorithms,
		Verification: VerificationVerified,
	}}
	if err := c.store.SaveSelfDevice(ctx, self); err != nil {
		return fmt.Errorf("persist self device: %w", err)
	}
	c.self = self
	return nil
}

func (c *Coordinator) Self() SelfDevice {
	return *c.self
}

func (c *Coordinator) getState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// AttachNetworkObserver wires an external connectivity observer (§4.1).
func (c *Coordinator) AttachNetworkObserver(observer NetworkObserver) {
	c.netObserver = observer
}

// Start implements §4.1. Concurrent calls coalesce: only one startup
// sequence runs; every caller's callback fires once it completes.
func (c *Coordinator) Start(ctx context.Context, isInitialSync bool, callback func(error)) {
	if c.getState() == StateClosed {
		return
	}
	if c.getState() == StateStarted {
		if callback != nil {
			c.uiCtx.Submit(func() { callback(nil) })
		}
		return
	}

	c.startMu.Lock()
	alreadyStarting := c.getState() == StateStarting
	if callback != nil {
		c.pendingStartCallbacks = append(c.pendingStartCallbacks, callback)
	}
	if !alreadyStarting {
		// Must happen before Unlock: otherwise two concurrent callers can both
		// observe StateIdle here and both fall through to Submit below,
		// double-running the startup sequence.
		c.setState(StateStarting)
	}
	c.startMu.Unlock()

	if alreadyStarting {
		return
	}

	c.encryptCtx.Submit(func() {
		c.runStartSequence(ctx, isInitialSync)
	})
}

func (c *Coordinator) runStartSequence(ctx context.Context, isInitialSync bool) {
	if c.netObserver != nil && !c.netObserver.Connected() {
		c.unsubscribeNetwork = c.netObserver.Subscribe(func() {
			c.encryptCtx.Submit(func() { c.runStartSequence(ctx, isInitialSync) })
		})
		return
	}

	if err := c.uploadDeviceKeys(ctx); err != nil {
		c.scheduleStartRetry(ctx, isInitialSync, err)
		return
	}
	if err := c.replenishOneTimeKeys(ctx); err != nil {
		c.scheduleStartRetry(ctx, isInitialSync, err)
		return
	}

	c.setState(StateStarted)
	if c.unsubscribeNetwork != nil {
		c.unsubscribeNetwork()
		c.unsubscribeNetwork = nil
	}
	c.outgoing.Start(ctx)
	// No key-backup check runs here: the package has no key-backup hook.

	c.flushPendingStartCallbacks(nil)

	if isInitialSync {
		c.devices.InvalidateAll(ctx)
		c.devices.RefreshStale(ctx)
	} else {
		c.drainIncomingRequestQueue(ctx)
	}
}

func (c *Coordinator) scheduleStartRetry(ctx context.Context, isInitialSync bool, cause error) {
	c.log.Warn().Err(cause).Msg("startup step failed, retrying")
	c.setState(StateIdle)
	time.AfterFunc(c.cfg.StartupRetryDelay, func() {
		if c.getState() == StateClosed {
			return
		}
		c.Start(ctx, isInitialSync, nil)
	})
}

func (c *Coordinator) flushPendingStartCallbacks(err error) {
	c.startMu.Lock()
	callbacks := c.pendingStartCallbacks
	c.pendingStartCallbacks = nil
	c.startMu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		c.uiCtx.Submit(func() { cb(err) })
	}
}

// uploadDeviceKeys is §4.1 step 1.
func (c *Coordinator) uploadDeviceKeys(ctx context.Context) error {
	keys := &SignedDeviceKeys{
		UserID:     c.self.UserID,
		DeviceID:   c.self.DeviceID,
		Algorithms: c.cfg.SupportedAlgorithms,
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, string(c.self.DeviceID)):    string(c.self.Ed25519),
			id.NewKeyID(id.KeyAlgorithmCurve25519, string(c.self.DeviceID)): string(c.self.Curve25519),
		},
	}
	raw, err := canonicalDeviceKeysJSON(keys)
	if err != nil {
		return err
	}
	sig := c.olm.Sign(raw)
	keys.Signatures = map[id.UserID]map[id.KeyID]string{
		c.self.UserID: {id.NewKeyID(id.KeyAlgorithmEd25519, string(c.self.DeviceID)): sig},
	}

	result, err := c.hs.UploadKeys(ctx, keys, nil, c.self.DeviceID)
	if err != nil {
		return fmt.Errorf("upload device keys: %w", err)
	}
	if n, ok := result.OneTimeKeyCounts[id.AlgorithmSignedCurve25519]; ok {
		c.otk.setServerCount(n)
	}
	return nil
}

// OnSyncCompleted implements §4.1's onSyncCompleted on the encrypt context.
func (c *Coordinator) OnSyncCompleted(ctx context.Context, changedUsers, leftUsers []id.UserID, oneTimeKeyCount map[id.Algorithm]int, isCatchingUp bool) {
	if c.getState() == StateClosed {
		return
	}
	c.encryptCtx.Submit(func() {
		c.devices.ApplyChanges(ctx, changedUsers, leftUsers)
		if n, ok := oneTimeKeyCount[id.AlgorithmSignedCurve25519]; ok {
			c.otk.setServerCount(n)
		}

		if c.getState() != StateStarted {
			return
		}
		c.devices.RefreshStale(ctx)

		if !isCatchingUp {
			if err := c.replenishOneTimeKeys(ctx); err != nil {
				c.log.Warn().Err(err).Msg("OTK replenishment failed during sync")
			}
			c.drainIncomingRequestQueue(ctx)
		}
	})
}

// HandleToDeviceEvent implements §4.1's inbound to-device mapping.
func (c *Coordinator) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	if c.getState() == StateClosed {
		return
	}
	switch evt.Type {
	case event.ToDeviceEncrypted, event.ToDeviceRoomKey, event.ToDeviceForwardedRoomKey:
		c.decryptCtx.Submit(func() {
			c.handleRoomKeyEvent(ctx, evt)
		})
	case event.ToDeviceRoomKeyRequest:
		c.encryptCtx.Submit(func() {
			c.handleRoomKeyRequestEvent(ctx, evt)
		})
	default:
		// Verification-related to-device events route to the SAS manager,
		// which is outside this core's contract (§1 out of scope).
	}
}

// RegisterIncomingRequestListener registers a listener for §4.7's "notify
// registered listeners to prompt user decision."
func (c *Coordinator) RegisterIncomingRequestListener(l IncomingRequestListener) {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	c.incomingListeners = append(c.incomingListeners, l)
}

func (c *Coordinator) notifyIncomingRequest(ctx context.Context, req *IncomingRoomKeyRequest, device *DeviceIdentity) {
	c.incomingMu.Lock()
	listeners := append([]IncomingRequestListener(nil), c.incomingListeners...)
	c.incomingMu.Unlock()
	for _, l := range listeners {
		l := l
		c.uiCtx.Submit(func() { l.OnIncomingKeyRequest(ctx, req, device) })
	}
}

func (c *Coordinator) notifyIncomingRequestCancelled(ctx context.Context, requestID string) {
	c.incomingMu.Lock()
	listeners := append([]IncomingRequestListener(nil), c.incomingListeners...)
	c.incomingMu.Unlock()
	for _, l := range listeners {
		l := l
		c.uiCtx.Submit(func() { l.OnIncomingKeyRequestCancelled(ctx, requestID) })
	}
}

// Close implements §5's shutdown contract: stops the encrypt, decrypt and UI
// contexts, releases the
// key store; the self-device record is intentionally left in place so a
// later instantiation reuses the same identity (§5, §8).
func (c *Coordinator) Close() error {
	c.setState(StateClosed)
	if c.unsubscribeNetwork != nil {
		c.unsubscribeNetwork()
	}
	c.outgoing.Stop()
	c.encryptCtx.Close()
	c.decryptCtx.Close()
	c.uiCtx.Close()
	return c.store.Close()
}

func canonicalDeviceKeysJSON(keys *SignedDeviceKeys) ([]byte, error) {
	type signable struct {
		UserID     id.UserID               `json:"user_id"`
		DeviceID   id.DeviceID             `json:"device_id"`
		Algorithms []id.Algorithm           `json:"algorithms"`
		Keys       map[id.KeyID]string      `json:"keys"`
	}
	raw, err := jsonMarshal(signable{keys.UserID, keys.DeviceID, keys.Algorithms, keys.Keys})
	if err != nil {
		return nil, err
	}
	return canonicalizeSignable(raw)
}
