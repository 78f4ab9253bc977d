package router

import "strings"

var positiveReplies = []string{
	"😊 看起来你心情不错呢！",
	"🎉 真为你高兴！",
	"😄 正能量满满！",
	"👍 继续保持好心情！",
}

var negativeReplies = []string{
	"😔 不要难过，会好起来的",
	"🤗 我陪着你呢",
	"💪 加油，相信你能克服困难！",
	"🌈 风雨之后见彩虹",
}

var greetingReplies = []string{
	"你好！很高兴见到你 😊",
	"嗨！今天过得怎么样？",
	"你好呀！有什么可以帮助你的吗？",
	"Hi~ 欢迎来聊天！",
}

var goodbyeReplies = []string{
	"再见！期待下次相遇 👋",
	"拜拜！要开心哦~",
	"下次聊！保重身体",
	"Bye~ 有空再来玩！",
}

var thanksReplies = []string{
	"不客气！很高兴能帮到你 😊",
	"没关系的，这是我应该做的",
	"不用谢！随时为你服务",
	"客气什么，我们是朋友嘛~",
}

func countMatches(text string, words []string) int {
	count := 0
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			count++
		}
	}
	return count
}

// affectResponse reacts to the dominant sentiment. A tie means no
// response; one side must strictly outnumber the other.
func (rt *Router) affectResponse(text string) string {
	lower := strings.ToLower(text)

	positive := countMatches(lower, rt.cfg.Chat.PositiveWords)
	negative := countMatches(lower, rt.cfg.Chat.NegativeWords)

	if positive > negative && positive > 0 {
		return rt.pick(positiveReplies)
	}
	if negative > positive && negative > 0 {
		return rt.pick(negativeReplies)
	}
	return ""
}

func (rt *Router) keywordResponse(text string) string {
	lower := strings.ToLower(text)

	if countMatches(lower, rt.cfg.Chat.Greetings) > 0 {
		return rt.pick(greetingReplies)
	}
	if countMatches(lower, rt.cfg.Chat.Goodbyes) > 0 {
		return rt.pick(goodbyeReplies)
	}
	if countMatches(lower, rt.cfg.Chat.Thanks) > 0 {
		return rt.pick(thanksReplies)
	}
	return ""
}

// triggerResponse is the last substring fallback, checked in fixed order.
func (rt *Router) triggerResponse(text string) string {
	lower := strings.ToLower(text)

	if strings.Contains(text, "你是谁") || strings.Contains(lower, "who are you") {
		name := rt.cfg.Bot.Name
		if name == "" {
			name = "NAS Bot"
		}
		return "我是 " + name + "，你的智能助手！🤖\n发送 /help 查看我能做什么~"
	}

	if strings.Contains(text, "你好吗") || strings.Contains(lower, "how are you") {
		return "我很好，谢谢关心！😊 你今天过得怎么样？"
	}

	if strings.Contains(text, "时间") && strings.Contains(text, "几点") {
		return rt.cmdTime(nil, nil, nil)
	}

	for _, w := range []string{"计算", "算", "等于"} {
		if strings.Contains(text, w) {
			return "我可以帮你计算哦！使用 /calc 命令，例如: /calc 1+2*3"
		}
	}

	for _, w := range []string{"游戏", "玩", "娱乐"} {
		if strings.Contains(text, w) {
			return "🎮 我有很多游戏可以玩：\n/guess - 猜数字\n/rps 石头 - 石头剪刀布\n/dice - 掷骰子\n/fortune - 抽签"
		}
	}

	return ""
}
