package wecom

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// 空内容时的兜底文案。
const (
	ThinkingText = "米小度正在思考中,请稍后..."
	GreetingText = "我是米小度，很高兴为您服务！"
)

// imagePattern 匹配回答中的 markdown 图片引用 "![image](/files/...)"。
var imagePattern = regexp.MustCompile(`!\[image\]\(/files/([^)]+)\)`)

// StreamPayload 发给企业微信的流式消息体。
type StreamPayload struct {
	MsgType string     `json:"msgtype"`
	Stream  StreamBody `json:"stream"`
}

// StreamBody 流式消息内容。
type StreamBody struct {
	ID      string    `json:"id"`
	Finish  bool      `json:"finish"`
	Content string    `json:"content"`
	MsgItem []MsgItem `json:"msg_item,omitempty"`
}

// MsgItem 图文混排中的一个媒体项。
type MsgItem struct {
	MsgType string    `json:"msgtype"`
	Image   ImageItem `json:"image"`
}

// ImageItem 图片内容，base64 编码原图加 md5 校验。
type ImageItem struct {
	Base64 string `json:"base64"`
	MD5    string `json:"md5"`
}

// ImageFetcher 拉取图片并返回 base64 内容与 md5。
type ImageFetcher func(url string) (b64, md5sum string, err error)

// TextStream 构建纯文本流式消息。内容为空时按是否收尾替换为兜底文案。
func TextStream(id, content string, finish bool) []byte {
	if content == "" {
		if finish {
			content = GreetingText
		} else {
			content = ThinkingText
		}
	}

	payload := StreamPayload{
		MsgType: MsgTypeStream,
		Stream:  StreamBody{ID: id, Finish: finish, Content: content},
	}

	data, _ := json.Marshal(payload)
	return data
}

// MixedStream 构建图文混排流式消息：提取回答中的图片引用，
// 下载后以 msg_item 附带，正文中移除图片链接。没有图片时退化为纯文本。
// 单张图片拉取失败只跳过该图片，不影响整条回答。
func MixedStream(id, fullContent string, finish bool, baseURL string, fetch ImageFetcher) []byte {
	matches := imagePattern.FindAllStringSubmatch(fullContent, -1)
	if len(matches) == 0 {
		return TextStream(id, fullContent, finish)
	}

	if fetch == nil {
		fetch = FetchImage
	}

	text := fullContent
	items := make([]MsgItem, 0, len(matches))
	for _, match := range matches {
		b64, sum, err := fetch(baseURL + match[1])
		if err == nil {
			items = append(items, MsgItem{
				MsgType: MsgTypeImage,
				Image:   ImageItem{Base64: b64, MD5: sum},
			})
		}
		text = strings.Replace(text, match[0], "", 1)
	}

	payload := StreamPayload{
		MsgType: MsgTypeStream,
		Stream:  StreamBody{ID: id, Finish: finish, Content: text, MsgItem: items},
	}

	data, _ := json.Marshal(payload)
	return data
}

// FetchImage 通过 HTTP 拉取图片内容。
func FetchImage(url string) (string, string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("拉取图片失败: status=%d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	sum := md5.Sum(raw)
	return base64.StdEncoding.EncodeToString(raw), hex.EncodeToString(sum[:]), nil
}
