package crypto

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// KeyStore is the persistent key/value API named in §1 and §3: device
// identities, Olm/Megolm sessions, tracking state, and pending requests.
// It is an external collaborator — the coordinator only calls through this
// contract. The store "serializes per-key" (§5): callers must not assume
// cross-key atomicity except via the transactional helpers below.
type KeyStore interface {
	// Self device (§3 SelfDevice, §8: stable across close/re-open).
	LoadSelfDevice(ctx context.Context, userID id.UserID) (*SelfDevice, error)
	SaveSelfDevice(ctx context.Context, self *SelfDevice) error

	// Device identities (§3 DeviceIdentity).
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	GetDevicesForUser(ctx context.Context, userID id.UserID) ([]*DeviceIdentity, error)
	PutDevice(ctx context.Context, device *DeviceIdentity) error
	SetVerification(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state VerificationState) error

	// Room algorithm binding (§3 RoomEncryptionConfig, write-once).
	GetRoomAlgorithm(ctx context.Context, roomID id.RoomID) (id.Algorithm, bool, error)
	PutRoomAlgorithm(ctx context.Context, roomID id.RoomID, algorithm id.Algorithm) error

	// Olm session bookkeeping (§3 OlmSession; ratchet state itself lives in OlmPrimitive).
	PutOlmSession(ctx context.Context, peerKey id.Curve25519, session *OlmSession) error
	GetOlmSessions(ctx context.Context, peerKey id.Curve25519) ([]*OlmSession, error)

	// One-time-key ledger (§3 OneTimeKeyLedger, §4.6).
	GetOTKLedger(ctx context.Context) (*OneTimeKeyLedger, error)
	PutOTKLedger(ctx context.Context, ledger *OneTimeKeyLedger) error

	// Incoming room-key requests (§3, §4.7).
	PutIncomingRequest(ctx context.Context, req *IncomingRoomKeyRequest) error
	GetIncomingRequest(ctx context.Context, requestID string) (*IncomingRoomKeyRequest, error)
	DeleteIncomingRequest(ctx context.Context, requestID string) error
	ListPendingIncomingRequests(ctx context.Context) ([]*IncomingRoomKeyRequest, error)

	// Outgoing room-key requests (§3, OutgoingRequestManager).
	PutOutgoingRequest(ctx context.Context, req *OutgoingRoomKeyRequest) error
	GetOutgoingRequestByFingerprint(ctx context.Context, fingerprint string) (*OutgoingRoomKeyRequest, error)
	DeleteOutgoingRequest(ctx context.Context, requestID string) error
	ListOutgoingRequests(ctx context.Context) ([]*OutgoingRoomKeyRequest, error)

	// Blacklist policy (§4.11, §9: encapsulated behind the store, no globals).
	GetGlobalBlacklistUnverified(ctx context.Context) (bool, error)
	SetGlobalBlacklistUnverified(ctx context.Context, value bool) error
	GetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID) (bool, error)
	SetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID, value bool) error
	ListBlacklistedRooms(ctx context.Context) ([]id.RoomID, error)

	Close() error
}

// MemoryKeyStore is an in-memory KeyStore, grounded on the bridge/pkg/crypto
// MemoryStore pattern from the pack: a mutex-guarded map set used for tests
// and for the cold-start scenarios in §8.
type MemoryKeyStore struct {
	mu sync.Mutex

	selfDevices       map[id.UserID]*SelfDevice
	devices           map[id.UserID]map[id.DeviceID]*DeviceIdentity
	roomAlgorithms    map[id.RoomID]id.Algorithm
	olmSessions       map[id.Curve25519][]*OlmSession
	otkLedger         *OneTimeKeyLedger
	incomingRequests  map[string]*IncomingRoomKeyRequest
	outgoingRequests  map[string]*OutgoingRoomKeyRequest
	globalBlacklist   bool
	roomBlacklist     map[id.RoomID]bool
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		selfDevices:      make(map[id.UserID]*SelfDevice),
		devices:          make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		roomAlgorithms:   make(map[id.RoomID]id.Algorithm),
		olmSessions:      make(map[id.Curve25519][]*OlmSession),
		incomingRequests: make(map[string]*IncomingRoomKeyRequest),
		outgoingRequests: make(map[string]*OutgoingRoomKeyRequest),
		roomBlacklist:    make(map[id.RoomID]bool),
	}
}

func (s *MemoryKeyStore) LoadSelfDevice(ctx context.Context, userID id.UserID) (*SelfDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.selfDevices[userID]
	if !ok {
		return nil, nil
	}
	cp := *dev
	return &cp, nil
}

func (s *MemoryKeyStore) SaveSelfDevice(ctx context.Context, self *SelfDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *self
	s.selfDevices[self.UserID] = &cp
	return s.putDeviceLocked(&self.DeviceIdentity)
}

func (s *MemoryKeyStore) putDeviceLocked(device *DeviceIdentity) error {
	byUser, ok := s.devices[device.UserID]
	if !ok {
		byUser = make(map[id.DeviceID]*DeviceIdentity)
		s.devices[device.UserID] = byUser
	}
	if existing, ok := byUser[device.DeviceID]; ok {
		// Invariant (§3, §8): identity keys are immutable once recorded.
		if existing.Ed25519 != "" && existing.Ed25519 != device.Ed25519 {
			return fmt.Errorf("mxcrypto: refusing to overwrite ed25519 key for %s/%s", device.UserID, device.DeviceID)
		}
		if existing.Curve25519 != "" && existing.Curve25519 != device.Curve25519 {
			return fmt.Errorf("mxcrypto: refusing to overwrite curve25519 key for %s/%s", device.UserID, device.DeviceID)
		}
	}
	cp := *device
	byUser[device.DeviceID] = &cp
	return nil
}

func (s *MemoryKeyStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[userID][deviceID]
	if !ok {
		return nil, nil
	}
	cp := *dev
	return &cp, nil
}

func (s *MemoryKeyStore) GetDevicesForUser(ctx context.Context, userID id.UserID) ([]*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeviceIdentity
	for _, dev := range s.devices[userID] {
		cp := *dev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryKeyStore) PutDevice(ctx context.Context, device *DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putDeviceLocked(device)
}

func (s *MemoryKeyStore) SetVerification(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state VerificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[userID][deviceID]
	if !ok {
		return fmt.Errorf("mxcrypto: unknown device %s/%s", userID, deviceID)
	}
	dev.Verification = state
	return nil
}

func (s *MemoryKeyStore) GetRoomAlgorithm(ctx context.Context, roomID id.RoomID) (id.Algorithm, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	algo, ok := s.roomAlgorithms[roomID]
	return algo, ok, nil
}

func (s *MemoryKeyStore) PutRoomAlgorithm(ctx context.Context, roomID id.RoomID, algorithm id.Algorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.roomAlgorithms[roomID]; ok && existing != algorithm {
		// §3: write-once; a differing algorithm event MUST be ignored with an error logged.
		return fmt.Errorf("%w: room %s already has %s", ErrAlgorithmMismatch, roomID, existing)
	}
	s.roomAlgorithms[roomID] = algorithm
	return nil
}

func (s *MemoryKeyStore) PutOlmSession(ctx context.Context, peerKey id.Curve25519, session *OlmSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.olmSessions[peerKey]
	for i, existing := range sessions {
		if existing.SessionID == session.SessionID {
			sessions[i] = session
			return nil
		}
	}
	s.olmSessions[peerKey] = append(sessions, session)
	return nil
}

func (s *MemoryKeyStore) GetOlmSessions(ctx context.Context, peerKey id.Curve25519) ([]*OlmSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*OlmSession(nil), s.olmSessions[peerKey]...), nil
}

func (s *MemoryKeyStore) GetOTKLedger(ctx context.Context) (*OneTimeKeyLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.otkLedger == nil {
		return &OneTimeKeyLedger{LastPublishedMap: make(map[id.KeyID]struct{})}, nil
	}
	cp := *s.otkLedger
	return &cp, nil
}

func (s *MemoryKeyStore) PutOTKLedger(ctx context.Context, ledger *OneTimeKeyLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ledger
	s.otkLedger = &cp
	return nil
}

func (s *MemoryKeyStore) PutIncomingRequest(ctx context.Context, req *IncomingRoomKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.incomingRequests[req.RequestID] = &cp
	return nil
}

func (s *MemoryKeyStore) GetIncomingRequest(ctx context.Context, requestID string) (*IncomingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.incomingRequests[requestID]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryKeyStore) DeleteIncomingRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incomingRequests, requestID)
	return nil
}

func (s *MemoryKeyStore) ListPendingIncomingRequests(ctx context.Context) ([]*IncomingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*IncomingRoomKeyRequest
	for _, req := range s.incomingRequests {
		if req.State == RequestPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryKeyStore) PutOutgoingRequest(ctx context.Context, req *OutgoingRoomKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.outgoingRequests[req.RequestID] = &cp
	return nil
}

func (s *MemoryKeyStore) GetOutgoingRequestByFingerprint(ctx context.Context, fingerprint string) (*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.outgoingRequests {
		if req.Body.Fingerprint() == fingerprint {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryKeyStore) DeleteOutgoingRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outgoingRequests, requestID)
	return nil
}

func (s *MemoryKeyStore) ListOutgoingRequests(ctx context.Context) ([]*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OutgoingRoomKeyRequest
	for _, req := range s.outgoingRequests {
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryKeyStore) GetGlobalBlacklistUnverified(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalBlacklist, nil
}

func (s *MemoryKeyStore) SetGlobalBlacklistUnverified(ctx context.Context, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalBlacklist = value
	return nil
}

func (s *MemoryKeyStore) GetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomBlacklist[roomID], nil
}

func (s *MemoryKeyStore) SetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value {
		s.roomBlacklist[roomID] = true
	} else {
		delete(s.roomBlacklist, roomID)
	}
	return nil
}

func (s *MemoryKeyStore) ListBlacklistedRooms(ctx context.Context) ([]id.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]id.RoomID, 0, len(s.roomBlacklist))
	for roomID := range s.roomBlacklist {
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}

func (s *MemoryKeyStore) Close() error { return nil }

// SQLiteKeyStore is the persistent KeyStore backing production use, using
// go.mau.fi/util/dbutil + mattn/go-sqlite3: same dialect, same
// Owner/Log/Upgrade sequence as lib/crypto_manager.go's SQLCryptoStore, but
// its own schema for the coordinator's device/session/request state. Every
// KeyStore method round-trips through db so process restart never silently
// loses what §3 requires to survive one (self device, device identities,
// Olm session bookkeeping, the OTK ledger, incoming/outgoing requests).
type SQLiteKeyStore struct {
	db *dbutil.Database
}

func NewSQLiteKeyStore(ctx context.Context, path string, log dbutil.DatabaseLogger) (*SQLiteKeyStore, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open key store database: %w", err)
	}
	db.Owner = "mxcrypto"
	db.Log = log

	if err := db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade key store schema: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteKeyStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *dbutil.Database) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS self_device (
			user_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			ed25519 TEXT NOT NULL,
			curve25519 TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_algorithm (
			room_id TEXT PRIMARY KEY,
			algorithm TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blacklist (
			scope TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			ed25519 TEXT NOT NULL,
			curve25519 TEXT NOT NULL,
			algorithms TEXT NOT NULL,
			signatures TEXT NOT NULL,
			verification INTEGER NOT NULL,
			unwedged INTEGER NOT NULL,
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS olm_session (
			peer_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			outbound INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL,
			PRIMARY KEY (peer_key, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS otk_ledger (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			server_count INTEGER,
			last_checked_at INTEGER NOT NULL,
			last_published TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incoming_request (
			request_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outgoing_request (
			request_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			recipients TEXT NOT NULL,
			state INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create key store table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteKeyStore) LoadSelfDevice(ctx context.Context, userID id.UserID) (*SelfDevice, error) {
	row := s.db.QueryRow(`SELECT device_id, ed25519, curve25519 FROM self_device WHERE user_id = ?`, string(userID))
	var deviceID, ed, curve string
	if err := row.Scan(&deviceID, &ed, &curve); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &SelfDevice{DeviceIdentity: DeviceIdentity{
		UserID:       userID,
		DeviceID:     id.DeviceID(deviceID),
		Ed25519:      id.Ed25519(ed),
		Curve25519:   id.Curve25519(curve),
		Verification: VerificationVerified,
	}}, nil
}

func (s *SQLiteKeyStore) SaveSelfDevice(ctx context.Context, self *SelfDevice) error {
	_, err := s.db.Exec(
		`INSERT INTO self_device (user_id, device_id, ed25519, curve25519) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET device_id=excluded.device_id`,
		string(self.UserID), string(self.DeviceID), string(self.Ed25519), string(self.Curve25519))
	if err != nil {
		return err
	}
	return s.PutDevice(ctx, &self.DeviceIdentity)
}

func scanDeviceRow(row interface{ Scan(dest ...any) error }) (*DeviceIdentity, error) {
	var userID, deviceID, ed, curve, algorithmsJSON, signaturesJSON string
	var verification, unwedged int
	if err := row.Scan(&userID, &deviceID, &ed, &curve, &algorithmsJSON, &signaturesJSON, &verification, &unwedged); err != nil {
		return nil, err
	}
	var algorithms []id.Algorithm
	if err := json.Unmarshal([]byte(algorithmsJSON), &algorithms); err != nil {
		return nil, fmt.Errorf("decode device algorithms: %w", err)
	}
	var signatures map[id.UserID]map[id.KeyID]string
	if err := json.Unmarshal([]byte(signaturesJSON), &signatures); err != nil {
		return nil, fmt.Errorf("decode device signatures: %w", err)
	}
	return &DeviceIdentity{
		UserID:       id.UserID(userID),
		DeviceID:     id.DeviceID(deviceID),
		Ed25519:      id.Ed25519(ed),
		Curve25519:   id.Curve25519(curve),
		Algorithms:   algorithms,
		Signatures:   signatures,
		Verification: VerificationState(verification),
		Unwedged:     unwedged != 0,
	}, nil
}

func (s *SQLiteKeyStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	row := s.db.QueryRow(
		`SELECT user_id, device_id, ed25519, curve25519, algorithms, signatures, verification, unwedged
		 FROM device WHERE user_id = ? AND device_id = ?`,
		string(userID), string(deviceID))
	dev, err := scanDeviceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return dev, nil
}

func (s *SQLiteKeyStore) GetDevicesForUser(ctx context.Context, userID id.UserID) ([]*DeviceIdentity, error) {
	rows, err := s.db.Query(
		`SELECT user_id, device_id, ed25519, curve25519, algorithms, signatures, verification, unwedged
		 FROM device WHERE user_id = ?`,
		string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DeviceIdentity
	for rows.Next() {
		dev, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

func (s *SQLiteKeyStore) PutDevice(ctx context.Context, device *DeviceIdentity) error {
	existing, err := s.GetDevice(ctx, device.UserID, device.DeviceID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Invariant (§3, §8): identity keys are immutable once recorded.
		if existing.Ed25519 != "" && existing.Ed25519 != device.Ed25519 {
			return fmt.Errorf("mxcrypto: refusing to overwrite ed25519 key for %s/%s", device.UserID, device.DeviceID)
		}
		if existing.Curve25519 != "" && existing.Curve25519 != device.Curve25519 {
			return fmt.Errorf("mxcrypto: refusing to overwrite curve25519 key for %s/%s", device.UserID, device.DeviceID)
		}
	}
	algorithmsJSON, err := json.Marshal(device.Algorithms)
	if err != nil {
		return err
	}
	signaturesJSON, err := json.Marshal(device.Signatures)
	if err != nil {
		return err
	}
	unwedged := 0
	if device.Unwedged {
		unwedged = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO device (user_id, device_id, ed25519, curve25519, algorithms, signatures, verification, unwedged)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET
		   algorithms=excluded.algorithms, signatures=excluded.signatures,
		   verification=excluded.verification, unwedged=excluded.unwedged`,
		string(device.UserID), string(device.DeviceID), string(device.Ed25519), string(device.Curve25519),
		string(algorithmsJSON), string(signaturesJSON), int(device.Verification), unwedged)
	return err
}

func (s *SQLiteKeyStore) SetVerification(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state VerificationState) error {
	result, err := s.db.Exec(
		`UPDATE device SET verification = ? WHERE user_id = ? AND device_id = ?`,
		int(state), string(userID), string(deviceID))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mxcrypto: unknown device %s/%s", userID, deviceID)
	}
	return nil
}

func (s *SQLiteKeyStore) GetRoomAlgorithm(ctx context.Context, roomID id.RoomID) (id.Algorithm, bool, error) {
	row := s.db.QueryRow(`SELECT algorithm FROM room_algorithm WHERE room_id = ?`, string(roomID))
	var algo string
	if err := row.Scan(&algo); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return id.Algorithm(algo), true, nil
}

func (s *SQLiteKeyStore) PutRoomAlgorithm(ctx context.Context, roomID id.RoomID, algorithm id.Algorithm) error {
	existing, ok, err := s.GetRoomAlgorithm(ctx, roomID)
	if err != nil {
		return err
	}
	if ok && existing != algorithm {
		return fmt.Errorf("%w: room %s already has %s", ErrAlgorithmMismatch, roomID, existing)
	}
	_, err = s.db.Exec(
		`INSERT INTO room_algorithm (room_id, algorithm) VALUES (?, ?) ON CONFLICT (room_id) DO NOTHING`,
		string(roomID), string(algorithm))
	return err
}

func (s *SQLiteKeyStore) PutOlmSession(ctx context.Context, peerKey id.Curve25519, session *OlmSession) error {
	outbound := 0
	if session.Outbound {
		outbound = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO olm_session (peer_key, session_id, outbound, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (peer_key, session_id) DO UPDATE SET
		   outbound=excluded.outbound, last_used_at=excluded.last_used_at`,
		string(peerKey), string(session.SessionID), outbound, session.CreatedAt.Unix(), session.LastUsedAt.Unix())
	return err
}

func (s *SQLiteKeyStore) GetOlmSessions(ctx context.Context, peerKey id.Curve25519) ([]*OlmSession, error) {
	rows, err := s.db.Query(
		`SELECT session_id, outbound, created_at, last_used_at FROM olm_session WHERE peer_key = ?`,
		string(peerKey))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*OlmSession
	for rows.Next() {
		var sessionID string
		var outbound int
		var createdAt, lastUsedAt int64
		if err := rows.Scan(&sessionID, &outbound, &createdAt, &lastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, &OlmSession{
			SessionID:  id.SessionID(sessionID),
			PeerKey:    peerKey,
			Outbound:   outbound != 0,
			CreatedAt:  time.Unix(createdAt, 0).UTC(),
			LastUsedAt: time.Unix(lastUsedAt, 0).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteKeyStore) GetOTKLedger(ctx context.Context) (*OneTimeKeyLedger, error) {
	row := s.db.QueryRow(`SELECT server_count, last_checked_at, last_published FROM otk_ledger WHERE id = 1`)
	var serverCount sql.NullInt64
	var lastCheckedAt int64
	var lastPublishedJSON string
	if err := row.Scan(&serverCount, &lastCheckedAt, &lastPublishedJSON); err != nil {
		if err == sql.ErrNoRows {
			return &OneTimeKeyLedger{LastPublishedMap: make(map[id.KeyID]struct{})}, nil
		}
		return nil, err
	}
	var published []id.KeyID
	if err := json.Unmarshal([]byte(lastPublishedJSON), &published); err != nil {
		return nil, fmt.Errorf("decode published OTK ids: %w", err)
	}
	lastPublishedMap := make(map[id.KeyID]struct{}, len(published))
	for _, keyID := range published {
		lastPublishedMap[keyID] = struct{}{}
	}
	ledger := &OneTimeKeyLedger{
		LastCheckedAt:    time.Unix(lastCheckedAt, 0).UTC(),
		LastPublishedMap: lastPublishedMap,
	}
	if serverCount.Valid {
		n := int(serverCount.Int64)
		ledger.ServerCount = &n
	}
	return ledger, nil
}

func (s *SQLiteKeyStore) PutOTKLedger(ctx context.Context, ledger *OneTimeKeyLedger) error {
	published := make([]id.KeyID, 0, len(ledger.LastPublishedMap))
	for keyID := range ledger.LastPublishedMap {
		published = append(published, keyID)
	}
	publishedJSON, err := json.Marshal(published)
	if err != nil {
		return err
	}
	var serverCount sql.NullInt64
	if ledger.ServerCount != nil {
		serverCount = sql.NullInt64{Int64: int64(*ledger.ServerCount), Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT INTO otk_ledger (id, server_count, last_checked_at, last_published) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   server_count=excluded.server_count, last_checked_at=excluded.last_checked_at,
		   last_published=excluded.last_published`,
		serverCount, ledger.LastCheckedAt.Unix(), string(publishedJSON))
	return err
}

func (s *SQLiteKeyStore) PutIncomingRequest(ctx context.Context, req *IncomingRoomKeyRequest) error {
	_, err := s.db.Exec(
		`INSERT INTO incoming_request (request_id, user_id, device_id, room_id, algorithm, sender_key, session_id, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET state=excluded.state`,
		req.RequestID, string(req.UserID), string(req.DeviceID), string(req.Body.RoomID),
		string(req.Body.Algorithm), string(req.Body.SenderKey), string(req.Body.SessionID), int(req.State))
	return err
}

func scanIncomingRequestRow(row interface{ Scan(dest ...any) error }) (*IncomingRoomKeyRequest, error) {
	var requestID, userID, deviceID, roomID, algorithm, senderKey, sessionID string
	var state int
	if err := row.Scan(&requestID, &userID, &deviceID, &roomID, &algorithm, &senderKey, &sessionID, &state); err != nil {
		return nil, err
	}
	return &IncomingRoomKeyRequest{
		RequestID: requestID,
		UserID:    id.UserID(userID),
		DeviceID:  id.DeviceID(deviceID),
		Body: KeyRequestBody{
			RoomID:    id.RoomID(roomID),
			Algorithm: id.Algorithm(algorithm),
			SenderKey: id.Curve25519(senderKey),
			SessionID: id.SessionID(sessionID),
		},
		State: RequestState(state),
	}, nil
}

func (s *SQLiteKeyStore) GetIncomingRequest(ctx context.Context, requestID string) (*IncomingRoomKeyRequest, error) {
	row := s.db.QueryRow(
		`SELECT request_id, user_id, device_id, room_id, algorithm, sender_key, session_id, state
		 FROM incoming_request WHERE request_id = ?`, requestID)
	req, err := scanIncomingRequestRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

func (s *SQLiteKeyStore) DeleteIncomingRequest(ctx context.Context, requestID string) error {
	_, err := s.db.Exec(`DELETE FROM incoming_request WHERE request_id = ?`, requestID)
	return err
}

func (s *SQLiteKeyStore) ListPendingIncomingRequests(ctx context.Context) ([]*IncomingRoomKeyRequest, error) {
	rows, err := s.db.Query(
		`SELECT request_id, user_id, device_id, room_id, algorithm, sender_key, session_id, state
		 FROM incoming_request WHERE state = ?`, int(RequestPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IncomingRoomKeyRequest
	for rows.Next() {
		req, err := scanIncomingRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteKeyStore) PutOutgoingRequest(ctx context.Context, req *OutgoingRoomKeyRequest) error {
	recipientsJSON, err := json.Marshal(req.Recipients)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO outgoing_request (request_id, room_id, algorithm, sender_key, session_id, recipients, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET recipients=excluded.recipients, state=excluded.state`,
		req.RequestID, string(req.Body.RoomID), string(req.Body.Algorithm), string(req.Body.SenderKey),
		string(req.Body.SessionID), string(recipientsJSON), int(req.State))
	return err
}

func scanOutgoingRequestRow(row interface{ Scan(dest ...any) error }) (*OutgoingRoomKeyRequest, error) {
	var requestID, roomID, algorithm, senderKey, sessionID, recipientsJSON string
	var state int
	if err := row.Scan(&requestID, &roomID, &algorithm, &senderKey, &sessionID, &recipientsJSON, &state); err != nil {
		return nil, err
	}
	var recipients map[id.UserID][]id.DeviceID
	if err := json.Unmarshal([]byte(recipientsJSON), &recipients); err != nil {
		return nil, fmt.Errorf("decode outgoing request recipients: %w", err)
	}
	return &OutgoingRoomKeyRequest{
		RequestID: requestID,
		Body: KeyRequestBody{
			RoomID:    id.RoomID(roomID),
			Algorithm: id.Algorithm(algorithm),
			SenderKey: id.Curve25519(senderKey),
			SessionID: id.SessionID(sessionID),
		},
		Recipients: recipients,
		State:      RequestState(state),
	}, nil
}

func (s *SQLiteKeyStore) GetOutgoingRequestByFingerprint(ctx context.Context, fingerprint string) (*OutgoingRoomKeyRequest, error) {
	rows, err := s.db.Query(
		`SELECT request_id, room_id, algorithm, sender_key, session_id, recipients, state FROM outgoing_request`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		req, err := scanOutgoingRequestRow(rows)
		if err != nil {
			return nil, err
		}
		if req.Body.Fingerprint() == fingerprint {
			return req, nil
		}
	}
	return nil, rows.Err()
}

func (s *SQLiteKeyStore) DeleteOutgoingRequest(ctx context.Context, requestID string) error {
	_, err := s.db.Exec(`DELETE FROM outgoing_request WHERE request_id = ?`, requestID)
	return err
}

func (s *SQLiteKeyStore) ListOutgoingRequests(ctx context.Context) ([]*OutgoingRoomKeyRequest, error) {
	rows, err := s.db.Query(
		`SELECT request_id, room_id, algorithm, sender_key, session_id, recipients, state FROM outgoing_request`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*OutgoingRoomKeyRequest
	for rows.Next() {
		req, err := scanOutgoingRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteKeyStore) GetGlobalBlacklistUnverified(ctx context.Context) (bool, error) {
	row := s.db.QueryRow(`SELECT value FROM blacklist WHERE scope = 'global'`)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return v != 0, nil
}

func (s *SQLiteKeyStore) SetGlobalBlacklistUnverified(ctx context.Context, value bool) error {
	v := 0
	if value {
		v = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO blacklist (scope, value) VALUES ('global', ?) ON CONFLICT (scope) DO UPDATE SET value=excluded.value`, v)
	return err
}

func (s *SQLiteKeyStore) GetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID) (bool, error) {
	row := s.db.QueryRow(`SELECT value FROM blacklist WHERE scope = ?`, "room:"+string(roomID))
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return v != 0, nil
}

func (s *SQLiteKeyStore) SetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID, value bool) error {
	if !value {
		_, err := s.db.Exec(`DELETE FROM blacklist WHERE scope = ?`, "room:"+string(roomID))
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO blacklist (scope, value) VALUES (?, 1) ON CONFLICT (scope) DO UPDATE SET value=1`, "room:"+string(roomID))
	return err
}

func (s *SQLiteKeyStore) ListBlacklistedRooms(ctx context.Context) ([]id.RoomID, error) {
	rows, err := s.db.Query(`SELECT scope FROM blacklist WHERE scope LIKE 'room:%' AND value != 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []id.RoomID
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		rooms = append(rooms, id.RoomID(scope[len("room:"):]))
	}
	return rooms, rows.Err()
}

func (s *SQLiteKeyStore) Close() error {
	return s.db.Close()
}
