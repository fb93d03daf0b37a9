package ai

import (
	"fmt"
	"strings"
	"time"
)

// querySystemPrompt 日常问答的系统提示词。
const querySystemPrompt = `你是米小度，一站式医疗智能助手，负责系统操作指导、法规文献查询与设备参数解析。
回答保持专业、准确、简洁，引用资料时注明出处，无法确认的内容明确说明。`

// summarySystemPrompt 群聊汇总的系统提示词。
const summarySystemPrompt = `你是米小度，请对给出的群聊记录进行汇总，提取关键信息、待办事项与结论，
按主题分条列出，保持客观，不要编造记录中不存在的内容。`

// WelcomeText 「功能介绍」指令的固定回复。
const WelcomeText = `我是米小度，一站式医疗智能助手：系统操作指导、法规文献查询与设备参数解析。
您可以通过以下方式与我互动：
1. 系统操作指导：询问关于系统的操作步骤、设置方法等。
例如:"@米小度 SPD系统如何登录"
2. 法规文献查询：查找相关的医疗法规、政策文件等。
例如:"@米小度 我国医疗器械管理条例介绍"
3. 设备参数解析：解释和解析医疗设备的参数和功能。
例如:"@米小度 骨科识别仪的参数"
4. 您也可以@我，总结指定群聊最近一天的群聊消息。
例如:"@米小度 汇总消息：群聊名"`

// BuildRecordsPrompt 把聊天记录拼装为汇总请求的正文。
func BuildRecordsPrompt(contents []string) string {
	var builder strings.Builder
	for i, message := range contents {
		builder.WriteString(fmt.Sprintf("聊天记录%d\n%s\n\n", i+1, message))
	}
	return builder.String()
}

// TimeRange 生成记录的时间范围前缀。
func TimeRange(first, last time.Time) string {
	const layout = "2006-01-02 15:04:05"
	return fmt.Sprintf("时间范围: %s 至 %s\n", first.Format(layout), last.Format(layout))
}
