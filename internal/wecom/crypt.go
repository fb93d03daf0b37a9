// Package wecom 实现企业微信回调消息的加解密与签名校验。
package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidSignature = errors.New("签名校验失败")
	ErrInvalidPadding   = errors.New("密文填充非法")
	ErrReceiverMismatch = errors.New("receive id 不匹配")
)

const blockSize = 32

// MsgCrypt 企业微信消息加解密器。机器人回调的 receiveID 为空字符串。
type MsgCrypt struct {
	token     string
	aesKey    []byte
	receiveID string
}

// NewMsgCrypt 根据回调配置构建加解密器。EncodingAESKey 为 43 位 base64（去掉填充）。
func NewMsgCrypt(token, encodingAESKey, receiveID string) (*MsgCrypt, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("解析 EncodingAESKey 失败: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("EncodingAESKey 长度非法: %d", len(key))
	}

	return &MsgCrypt{token: token, aesKey: key, receiveID: receiveID}, nil
}

// Signature 计算 token/timestamp/nonce/密文 字典序拼接后的 SHA-1 签名。
func (c *MsgCrypt) Signature(timestamp, nonce, data string) string {
	parts := []string{c.token, timestamp, nonce, data}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifyURL 回调地址校验：验签并解出 echostr 明文。
func (c *MsgCrypt) VerifyURL(signature, timestamp, nonce, echostr string) (string, error) {
	if c.Signature(timestamp, nonce, echostr) != signature {
		return "", ErrInvalidSignature
	}
	plain, err := c.decrypt(echostr)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Decrypt 验签并解密回调密文，返回明文消息体。
func (c *MsgCrypt) Decrypt(signature, timestamp, nonce, encrypted string) ([]byte, error) {
	if c.Signature(timestamp, nonce, encrypted) != signature {
		return nil, ErrInvalidSignature
	}
	return c.decrypt(encrypted)
}

// Encrypt 加密明文并生成签名，返回可直接序列化的应答体。
func (c *MsgCrypt) Encrypt(plaintext []byte, timestamp, nonce string) (*EncryptedReply, error) {
	encrypted, err := c.encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	return &EncryptedReply{
		Encrypt:      encrypted,
		MsgSignature: c.Signature(timestamp, nonce, encrypted),
		Timestamp:    timestamp,
		Nonce:        nonce,
	}, nil
}

// EncryptedReply 回调应答的标准 JSON 结构。
type EncryptedReply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// encrypt 组帧并加密：16 字节随机串 + 4 字节网络序长度 + 明文 + receiveID，
// PKCS#7 填充到 32 字节块，AES-CBC，IV 取密钥前 16 字节。
func (c *MsgCrypt) encrypt(plaintext []byte) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Write(random)

	var msgLen [4]byte
	binary.BigEndian.PutUint32(msgLen[:], uint32(len(plaintext)))
	buf.Write(msgLen[:])
	buf.Write(plaintext)
	buf.WriteString(c.receiveID)

	padded := pkcs7Pad(buf.Bytes())

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", err
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.aesKey[:16]).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *MsgCrypt) decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("解析密文 base64 失败: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.aesKey[:16]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, ErrInvalidPadding
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, ErrInvalidPadding
	}

	msg := plain[20 : 20+msgLen]
	receiveID := string(plain[20+msgLen:])
	if c.receiveID != "" && receiveID != c.receiveID {
		return nil, ErrReceiverMismatch
	}

	return msg, nil
}

func pkcs7Pad(data []byte) []byte {
	padLen := blockSize - len(data)%blockSize
	if padLen == 0 {
		padLen = blockSize
	}
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	return data[:len(data)-padLen], nil
}
