// internal/chat/fallback.go
package chat

import (
	"hash/fnv"
	"strings"
)

// 兜底回复表：远程端点不可用时按人设就地选择一条回复，
// 保证聊天界面降级而不中断。无副作用，不访问网络。
var fallbackReplies = map[string][]string{
	"zhangwei": {
		"信号好像不太好……你刚才说什么？",
		"我这边有点忙，等下再和你说。",
		"你先别问这么多，不方便说。",
		"……这条消息我晚点回你。",
	},
	"kefu": {
		"您好，当前咨询人数较多，请稍后再试。",
		"抱歉，系统繁忙，您可以稍后再次提交问题。",
		"您反馈的问题已记录，我们会尽快处理。",
	},
	"hacker": {
		"……连接不稳定。别在这个频道多说。",
		"等我信号。",
		"现在不方便，按我之前说的做。",
	},
	"default": {
		"嗯，我在。",
		"稍等，我想一下。",
		"这个问题我现在没法回答你。",
		"……",
	},
}

// SelectFallback 从固定回复表中为给定人设选择一条兜底回复。
// 选择由输入文本哈希决定，重复输入得到稳定结果；
// 未识别的人设落入通用桶，保证返回值永远非空。
func SelectFallback(userText, personaHint string) string {
	bucket, ok := fallbackReplies[strings.ToLower(strings.TrimSpace(personaHint))]
	if !ok || len(bucket) == 0 {
		bucket = fallbackReplies["default"]
	}

	h := fnv.New32a()
	h.Write([]byte(userText))
	return bucket[int(h.Sum32())%len(bucket)]
}
