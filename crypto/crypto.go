// Package crypto implements the LoRaWAN 1.0.3 cryptographic primitives the
// MAC layer needs: AES-128 CMAC message integrity codes, the LoRaWAN
// counter-mode payload cipher, join-accept decryption and session-key
// derivation. AES-128 block encryption comes from the standard library;
// CMAC comes from github.com/jacobsa/crypto/cmac (RFC 4493).
package crypto

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// BlockSize is the AES-128 block size in bytes.
const BlockSize = 16

// MICSize is the length of a LoRaWAN message integrity code.
const MICSize = 4

// ErrInvalidMic is returned when a computed MIC does not match the MIC
// carried on the wire.
var ErrInvalidMic = errors.New("crypto: invalid MIC")

// Direction distinguishes uplink from downlink frames; it feeds the A_i
// and B0 block constructions and must match on both ends of a link.
type Direction uint8

const (
	Uplink   Direction = 0
	Downlink Direction = 1
)

// Key is a 16-byte AES-128 key (AppKey, NwkSKey or AppSKey).
type Key [16]byte

// MIC computes the message integrity code for a data frame: AES-CMAC over
// B0 || msg, truncated to the first 4 bytes. B0 is the block identifier
// 0x49 followed by a 4-byte zero pad, the direction, the device address,
// the 32-bit frame counter and the message length.
func MIC(key Key, msg []byte, devAddr uint32, fcnt uint32, dir Direction) ([MICSize]byte, error) {
	b0 := make([]byte, BlockSize)
	b0[0] = 0x49
	b0[5] = byte(dir)
	binary.LittleEndian.PutUint32(b0[6:10], devAddr)
	binary.LittleEndian.PutUint32(b0[10:14], fcnt)
	b0[15] = byte(len(msg))

	buf := make([]byte, 0, len(b0)+len(msg))
	buf = append(buf, b0...)
	buf = append(buf, msg...)

	return truncatedCMAC(key, buf)
}

// VerifyMIC recomputes the MIC for msg and reports whether it matches want.
func VerifyMIC(key Key, msg []byte, devAddr uint32, fcnt uint32, dir Direction, want [MICSize]byte) error {
	got, err := MIC(key, msg, devAddr, fcnt, dir)
	if err != nil {
		return err
	}
	if got != want {
		return ErrInvalidMic
	}
	return nil
}

// JoinRequestMIC computes the MIC for a join-request message: AES-CMAC
// over the full join-request message (MHDR | AppEUI | DevEUI | DevNonce),
// keyed with AppKey.
func JoinRequestMIC(appKey Key, msg []byte) ([MICSize]byte, error) {
	return truncatedCMAC(appKey, msg)
}

// JoinAcceptMIC computes the MIC for a join-accept message: AES-CMAC over
// MHDR | AppNonce | NetID | DevAddr | DLSettings | RxDelay | [CFList],
// keyed with AppKey.
func JoinAcceptMIC(appKey Key, msg []byte) ([MICSize]byte, error) {
	return truncatedCMAC(appKey, msg)
}

func truncatedCMAC(key Key, data []byte) ([MICSize]byte, error) {
	var out [MICSize]byte
	h, err := cmac.New(key[:])
	if err != nil {
		return out, fmt.Errorf("crypto: cmac init: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return out, fmt.Errorf("crypto: cmac write: %w", err)
	}
	sum := h.Sum(nil)
	copy(out[:], sum[:MICSize])
	return out, nil
}

// EncryptPayload implements the LoRaWAN FRMPayload cipher: for each 16-byte
// chunk i of payload (i counted from 1), build A_i = {0x01, 0x00x4, dir,
// DevAddr, FCnt32(LE), 0x00, i}, AES-128-encrypt it with key, and XOR the
// result into the chunk. The construction is symmetric, so this same function both
// encrypts and decrypts.
func EncryptPayload(key Key, devAddr uint32, fcnt uint32, dir Direction, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}

	out := make([]byte, len(payload))
	a := make([]byte, BlockSize)
	s := make([]byte, BlockSize)

	blocks := (len(payload) + BlockSize - 1) / BlockSize
	for i := 0; i < blocks; i++ {
		for j := range a {
			a[j] = 0
		}
		a[0] = 0x01
		a[5] = byte(dir)
		binary.LittleEndian.PutUint32(a[6:10], devAddr)
		binary.LittleEndian.PutUint32(a[10:14], fcnt)
		a[15] = byte(i + 1)

		block.Encrypt(s, a)

		start := i * BlockSize
		end := start + BlockSize
		if end > len(payload) {
			end = len(payload)
		}
		for j := start; j < end; j++ {
			out[j] = payload[j] ^ s[j-start]
		}
	}
	return out, nil
}

// DecryptPayload is an alias for EncryptPayload: the LoRaWAN payload
// cipher is its own inverse.
func DecryptPayload(key Key, devAddr uint32, fcnt uint32, dir Direction, payload []byte) ([]byte, error) {
	return EncryptPayload(key, devAddr, fcnt, dir, payload)
}

// DecryptJoinAccept reverses the network server's join-accept encryption.
// The server "encrypts" the join-accept body with an AES decrypt
// operation, so the device recovers it with an AES encrypt operation,
// applied ECB-style over consecutive 16-byte blocks.
func DecryptJoinAccept(appKey Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("crypto: join-accept ciphertext length %d is not a multiple of %d", len(ciphertext), BlockSize)
	}
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += BlockSize {
		block.Encrypt(out[off:off+BlockSize], ciphertext[off:off+BlockSize])
	}
	return out, nil
}

// EncryptJoinAccept is the device-side counterpart used only by tests that
// need to fabricate a valid join-accept on the wire: it applies the AES
// decrypt operation the network server uses, the inverse of
// DecryptJoinAccept.
func EncryptJoinAccept(appKey Key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%BlockSize != 0 {
		return nil, fmt.Errorf("crypto: join-accept plaintext length %d is not a multiple of %d", len(plaintext), BlockSize)
	}
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	out := make([]byte, len(plaintext))
	for off := 0; off < len(plaintext); off += BlockSize {
		block.Decrypt(out[off:off+BlockSize], plaintext[off:off+BlockSize])
	}
	return out, nil
}

// EncryptBlock runs a single raw AES-128 block encryption. Class B uses
// this directly (with an all-zero key) to derive the ping-slot offset.
// The other functions in this package set up their own AES cipher rather
// than calling it.
func EncryptBlock(key Key, in [BlockSize]byte) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	block.Encrypt(out[:], in[:])
	return out, nil
}

// DeriveSessionKeys computes NwkSKey and AppSKey from a join accept, per
// LoRaWAN 1.0.3 §6.2.5:
//
//	NwkSKey = AES128(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
//	AppSKey = AES128(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys(appKey Key, appNonce [3]byte, netID [3]byte, devNonce uint16) (nwkSKey, appSKey Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return Key{}, Key{}, fmt.Errorf("crypto: aes cipher: %w", err)
	}

	build := func(prefix byte) Key {
		var in, out [BlockSize]byte
		in[0] = prefix
		copy(in[1:4], appNonce[:])
		copy(in[4:7], netID[:])
		binary.LittleEndian.PutUint16(in[7:9], devNonce)
		block.Encrypt(out[:], in[:])
		return Key(out)
	}

	return build(0x01), build(0x02), nil
}
