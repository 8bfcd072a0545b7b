// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize AES-256 密钥长度（字节）
const KeySize = 32

var (
	// ErrKeySize 密钥长度必须为 32 字节
	ErrKeySize = errors.New("codec: encryption key must be exactly 32 bytes")
	// ErrDecrypt 所有密钥均无法解密
	ErrDecrypt = errors.New("codec: no key could decrypt payload")
)

// EncryptedCodec 在内层 Codec 之上做 AES-256-GCM 对称加密；
// 第一个密钥用于加密，解密时按序尝试全部密钥（密钥轮换）
type EncryptedCodec struct {
	inner Codec
	keys  [][]byte
}

// NewEncryptedCodec 创建加密编解码器；keys 至少一个，每个恰为 32 字节
func NewEncryptedCodec(inner Codec, keys ...[]byte) (*EncryptedCodec, error) {
	if len(keys) == 0 {
		return nil, errors.New("codec: at least one encryption key required")
	}
	for _, k := range keys {
		if len(k) != KeySize {
			return nil, ErrKeySize
		}
	}
	return &EncryptedCodec{inner: inner, keys: keys}, nil
}

func (c *EncryptedCodec) Pack(v interface{}) ([]byte, error) {
	plain, err := c.inner.Pack(v)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(c.keys[0])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (c *EncryptedCodec) Unpack(data []byte, v interface{}) error {
	for _, key := range c.keys {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		ns := gcm.NonceSize()
		if len(data) < ns {
			continue
		}
		plain, err := gcm.Open(nil, data[:ns], data[ns:], nil)
		if err != nil {
			continue
		}
		return c.inner.Unpack(plain, v)
	}
	return ErrDecrypt
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return cipher.NewGCM(block)
}
