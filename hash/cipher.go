// cipher.go - AWH symmetric ciphering.
// Copyright (C) 2024  AWH Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package hash

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

var errNoPassword = errors.New("no password configured")

func aesKeySize(c Cipher) int {
	switch c {
	case CipherAES128:
		return 16
	case CipherAES192:
		return 24
	case CipherAES256:
		return 32
	}
	return 0
}

// deriveKeyIV expands (password, salt) into key material; the IV is the
// tail of the derived block.
func (h *Hash) deriveKeyIV(keyLen int) ([]byte, []byte) {
	d := pbkdf2.Key([]byte(h.password), []byte(h.salt), h.rounds, keyLen+aes.BlockSize, sha256.New)
	return d[:keyLen], d[keyLen:]
}

func (h *Hash) cfbStream(c Cipher, encrypt bool) (cipher.Stream, error) {
	if h.password == "" {
		return nil, errNoPassword
	}
	key, iv := h.deriveKeyIV(aesKeySize(c))
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

// Encrypt ciphers data with the requested mode.
func (h *Hash) Encrypt(data []byte, c Cipher) ([]byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	switch c {
	case CipherNone:
		return data, nil
	case CipherBase64:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
		base64.StdEncoding.Encode(out, data)
		return out, nil
	case CipherAES128, CipherAES192, CipherAES256:
		stream, err := h.cfbStream(c, true)
		if err != nil {
			return nil, codecErr(c.String(), err)
		}
		out := make([]byte, len(data))
		stream.XORKeyStream(out, data)
		return out, nil
	}
	return nil, codecErr(c.String(), errors.New("unknown cipher"))
}

// Decrypt reverses Encrypt.
func (h *Hash) Decrypt(data []byte, c Cipher) ([]byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	switch c {
	case CipherNone:
		return data, nil
	case CipherBase64:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(out, data)
		if err != nil {
			return nil, codecErr(c.String(), err)
		}
		return out[:n], nil
	case CipherAES128, CipherAES192, CipherAES256:
		stream, err := h.cfbStream(c, false)
		if err != nil {
			return nil, codecErr(c.String(), err)
		}
		out := make([]byte, len(data))
		stream.XORKeyStream(out, data)
		return out, nil
	}
	return nil, codecErr(c.String(), errors.New("unknown cipher"))
}
