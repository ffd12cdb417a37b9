package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"maunium.net/go/mautrix/id"
)

// defaultExportIterationCount is the primitive's default PBKDF2 iteration
// count for export_room_keys (§4.9).
const defaultExportIterationCount = 500000

const exportVersionByte = 0x01

var errExportBadMAC = errors.New("mxcrypto: room key export authentication failed, wrong password or corrupt blob")
var errExportBadVersion = errors.New("mxcrypto: unrecognized room key export version")

// exportedSession is one entry of §4.9's export array.
type exportedSession struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	RoomID     id.RoomID     `json:"room_id"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	SessionID  id.SessionID  `json:"session_id"`
	SessionKey string        `json:"session_key"`
}

// ExportRoomKeys implements §4.9's export_room_keys: collect every inbound
// Megolm session's exported form, serialize, and optionally encrypt with the
// Megolm export scheme. iterationCount of 0 returns the plain JSON blob;
// a negative value falls back to defaultExportIterationCount.
func (c *Coordinator) ExportRoomKeys(ctx context.Context, password string, iterationCount int) ([]byte, error) {
	if iterationCount < 0 {
		iterationCount = defaultExportIterationCount
	}
	var sessions []exportedSession
	err := c.decryptCtx.Run(ctx, func() error {
		c.decryptorsMu.Lock()
		defer c.decryptorsMu.Unlock()
		for _, dec := range c.decryptors {
			megolm, ok := dec.(*MegolmDecryptor)
			if !ok {
				continue
			}
			sessions = append(sessions, megolm.exportAll()...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("serialize exported sessions: %w", err)
	}
	if iterationCount == 0 {
		return plain, nil
	}
	return encryptExport(plain, password, iterationCount)
}

// ImportRoomKeys implements §4.9's import_room_keys: decrypt, parse, import
// each session into the OlmPrimitive, cancel any matching outstanding
// outgoing request, and notify the owning Decryptor so queued undecrypted
// events retry.
func (c *Coordinator) ImportRoomKeys(ctx context.Context, blob []byte, password string, progress func(percent int)) error {
	plain, err := decryptExport(blob, password)
	if err != nil {
		return err
	}
	var sessions []exportedSession
	if err := json.Unmarshal(plain, &sessions); err != nil {
		return fmt.Errorf("parse room key export: %w", err)
	}

	return c.decryptCtx.Run(ctx, func() error {
		total := len(sessions)
		for i, s := range sessions {
			dec, err := c.decryptorFor(ctx, s.RoomID, s.Algorithm)
			if err != nil {
				c.log.Warn().Err(err).Msg("skipping imported session for unsupported algorithm")
				continue
			}
			megolm, ok := dec.(*MegolmDecryptor)
			if !ok {
				continue
			}
			sessionID, _, err := c.olm.ImportInboundGroupSession(s.SenderKey, s.SessionKey)
			if err != nil {
				c.log.Warn().Err(err).Msg("failed to import room key session")
				continue
			}
			megolm.registerSession(s.SenderKey, sessionID)
			if err := megolm.OnNewSession(ctx, s.SenderKey, sessionID); err != nil {
				c.log.Warn().Err(err).Msg("failed to replay queued events after room key import")
			}

			c.outgoing.CancelRoomKeyRequest(ctx, KeyRequestBody{
				RoomID:    s.RoomID,
				Algorithm: s.Algorithm,
				SenderKey: s.SenderKey,
				SessionID: sessionID,
			})

			if progress != nil {
				progress((i + 1) * 100 / total)
			}
		}
		return nil
	})
}

// encryptExport implements the Megolm key export file format: a version
// byte, a 16-byte salt, a 16-byte IV (with bit 63, the top bit of byte 8,
// cleared for AES-CTR), a 4-byte big-endian PBKDF2 round count, the AES-256-CTR
// ciphertext, and an HMAC-SHA256 tag, all base64-encoded.
func encryptExport(plaintext []byte, password string, iterationCount int) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	iv := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	iv[8] &= 0x7f

	derived := pbkdf2.Key([]byte(password), salt, iterationCount, 64, sha512.New)
	aesKey, hmacKey := derived[:32], derived[32:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	rounds := make([]byte, 4)
	rounds[0] = byte(iterationCount >> 24)
	rounds[1] = byte(iterationCount >> 16)
	rounds[2] = byte(iterationCount >> 8)
	rounds[3] = byte(iterationCount)

	body := make([]byte, 0, 1+len(salt)+len(iv)+len(rounds)+len(ciphertext))
	body = append(body, exportVersionByte)
	body = append(body, salt...)
	body = append(body, iv...)
	body = append(body, rounds...)
	body = append(body, ciphertext...)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(body)
	body = append(body, mac.Sum(nil)...)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(body)))
	base64.StdEncoding.Encode(out, body)
	return out, nil
}

func decryptExport(blob []byte, password string) ([]byte, error) {
	body := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(body, blob)
	if err != nil {
		return nil, fmt.Errorf("decode room key export: %w", err)
	}
	body = body[:n]
	const headerLen = 1 + 16 + 16 + 4
	if len(body) < headerLen+32 {
		return nil, errExportBadVersion
	}
	if body[0] != exportVersionByte {
		return nil, errExportBadVersion
	}

	mac := body[len(body)-32:]
	signed := body[:len(body)-32]
	salt := signed[1:17]
	iv := signed[17:33]
	rounds := signed[33:37]
	ciphertext := signed[37:]
	iterationCount := int(rounds[0])<<24 | int(rounds[1])<<16 | int(rounds[2])<<8 | int(rounds[3])

	derived := pbkdf2.Key([]byte(password), salt, iterationCount, 64, sha512.New)
	aesKey, hmacKey := derived[:32], derived[32:]

	expectedMAC := hmac.New(sha256.New, hmacKey)
	expectedMAC.Write(signed)
	if !hmac.Equal(mac, expectedMAC.Sum(nil)) {
		return nil, errExportBadMAC
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
