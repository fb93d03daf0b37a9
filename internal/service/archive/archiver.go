package archive

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/midoclouds/wecom-assistant/internal/logging"
)

// ChatData 从存档接口拉到的一条加密记录。
type ChatData struct {
	Seq              uint64 `json:"seq"`
	PublicKeyVer     int    `json:"publickey_ver"`
	EncryptRandomKey string `json:"encrypt_random_key"`
	EncryptChatMsg   string `json:"encrypt_chat_msg"`
}

// ChatDataSource 会话存档数据源。原生 SDK 绑定在此接口之后。
type ChatDataSource interface {
	// GetChatData 从 seq 起拉取至多 limit 条加密记录。
	GetChatData(ctx context.Context, seq uint64, limit int) ([]ChatData, error)
	// DecryptData 用解出的会话密钥解密单条消息体。
	DecryptData(encryptKey string, encryptMsg string) ([]byte, error)
}

// RoomNameResolver 根据 roomid 查询群聊名称。
type RoomNameResolver func(ctx context.Context, roomID string) (string, error)

// baseFields 消息体中的基础字段，其余内容合并进 content 列。
var baseFields = map[string]struct{}{
	"msgid": {}, "action": {}, "from": {}, "tolist": {},
	"roomid": {}, "msgtime": {}, "msgtype": {},
}

// Archiver 按 seq 持续拉取会话存档并入库。
type Archiver struct {
	source   ChatDataSource
	store    *Store
	resolver RoomNameResolver
	privKey  *rsa.PrivateKey
	limit    int
	interval time.Duration
}

// NewArchiver 创建存档拉取器。privateKeyPath 为空时跳过密钥解包（记录无法解密会被丢弃）。
func NewArchiver(source ChatDataSource, store *Store, resolver RoomNameResolver, privateKeyPath string, limit int, interval time.Duration) (*Archiver, error) {
	a := &Archiver{
		source:   source,
		store:    store,
		resolver: resolver,
		limit:    limit,
		interval: interval,
	}

	if privateKeyPath != "" {
		key, err := loadPrivateKey(privateKeyPath)
		if err != nil {
			return nil, err
		}
		a.privKey = key
	}

	return a, nil
}

// Run 主循环：拉取、解密、去重、入库，直到 ctx 取消。
func (a *Archiver) Run(ctx context.Context, startSeq uint64) error {
	seq := startSeq
	logging.Info().Uint64("seq", seq).Msg("会话存档服务已启动")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := a.source.GetChatData(ctx, seq, a.limit)
		if err != nil {
			logging.Error().Err(err).Msg("获取存档数据失败")
			if !sleepCtx(ctx, a.interval) {
				return ctx.Err()
			}
			continue
		}

		if len(batch) == 0 {
			if !sleepCtx(ctx, a.interval) {
				return ctx.Err()
			}
			continue
		}

		for _, data := range batch {
			if data.Seq >= seq {
				seq = data.Seq + 1
			}
			if err := a.processChatData(ctx, data); err != nil {
				logging.Error().Err(err).Uint64("seq", data.Seq).Msg("处理存档记录失败")
			}
		}

		// 接口限频，批间保持节流。
		if !sleepCtx(ctx, a.interval) {
			return ctx.Err()
		}
	}
}

func (a *Archiver) processChatData(ctx context.Context, data ChatData) error {
	if a.privKey == nil {
		return errors.New("未配置私钥，无法解密存档记录")
	}

	rawKey, err := base64.StdEncoding.DecodeString(data.EncryptRandomKey)
	if err != nil {
		return fmt.Errorf("解析会话密钥失败: %w", err)
	}

	sessionKey, err := rsa.DecryptPKCS1v15(rand.Reader, a.privKey, rawKey)
	if err != nil {
		return fmt.Errorf("解密会话密钥失败（密钥版本 %d）: %w", data.PublicKeyVer, err)
	}

	detail, err := a.source.DecryptData(string(sessionKey), data.EncryptChatMsg)
	if err != nil {
		return fmt.Errorf("解密消息体失败: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(detail, &fields); err != nil {
		return fmt.Errorf("解析消息体失败: %w", err)
	}

	rec := Record{
		MsgID:   stringField(fields, "msgid"),
		Action:  stringField(fields, "action"),
		From:    stringField(fields, "from"),
		RoomID:  stringField(fields, "roomid"),
		MsgType: stringField(fields, "msgtype"),
	}
	_ = json.Unmarshal(fields["tolist"], &rec.ToList)
	_ = json.Unmarshal(fields["msgtime"], &rec.MsgTime)

	if rec.MsgID == "" || rec.MsgType == "" {
		return nil
	}

	exists, err := a.store.Exists(ctx, rec.MsgID, rec.MsgType)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// 群聊消息取群名，单聊用发送方 id。
	if rec.RoomID != "" && a.resolver != nil {
		if name, err := a.resolver(ctx, rec.RoomID); err == nil {
			rec.ChatName = name
		}
	}
	if rec.ChatName == "" {
		rec.ChatName = rec.From
	}

	content := make(map[string]json.RawMessage, len(fields))
	for key, value := range fields {
		if _, ok := baseFields[key]; !ok {
			content[key] = value
		}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return err
	}
	rec.Content = string(encoded)

	return a.store.SaveMessage(ctx, rec)
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var value string
	_ = json.Unmarshal(fields[key], &value)
	return value
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取私钥文件失败: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("私钥文件不是合法的 PEM 格式")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("私钥不是 RSA 类型")
	}
	return key, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
