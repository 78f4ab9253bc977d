package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nasbot/nasbot/pkg/onebot"
)

type commandHandler func(rt *Router, ctx context.Context, evt *onebot.Event, args []string) string

// commandTable is the full command surface. Adding a command means adding
// an entry here and a line to the help text.
var commandTable = map[string]commandHandler{
	"help":    (*Router).cmdHelp,
	"time":    (*Router).cmdTime,
	"ping":    (*Router).cmdPing,
	"echo":    (*Router).cmdEcho,
	"calc":    (*Router).cmdCalc,
	"dice":    (*Router).cmdDice,
	"coin":    (*Router).cmdCoin,
	"joke":    (*Router).cmdJoke,
	"roll":    (*Router).cmdRoll,
	"fortune": (*Router).cmdFortune,
	"guess":   (*Router).cmdGuess,
	"rps":     (*Router).cmdRPS,
	"checkin": (*Router).cmdCheckin,
	"points":  (*Router).cmdPoints,
	"rank":    (*Router).cmdRank,
}

const helpText = `🤖 NAS Bot 命令帮助

📋 基础命令:
/help - 显示此帮助
/time - 显示当前时间
/ping - 测试响应
/echo [文本] - 回显文本

🔧 工具命令:
/calc [表达式] - 计算器
/dice [面数] - 掷骰子 (默认6面)
/coin - 抛硬币

🎮 游戏命令:
/guess - 猜数字游戏
/rps [石头/剪刀/布] - 石头剪刀布
/fortune - 抽签占卜

😄 娱乐命令:
/joke - 随机笑话
/roll [数量] - 随机数

👥 群组命令:
/checkin - 每日签到
/points - 查看积分
/rank - 积分排行榜

💡 输入任何文字开始智能对话！`

var jokes = []string{
	"为什么程序员总是混淆圣诞节和万圣节？因为 Oct 31 == Dec 25！",
	"程序员最讨厌的事情：1. 写注释 2. 别人不写注释",
	"为什么程序员喜欢黑暗？因为光明会产生 bug！",
	"如何产生一个随机字符串？让新手写代码...",
	"程序员的三大美德：懒惰、急躁、傲慢",
	"为什么程序员总是戴耳机？因为他们不想听到编译错误的声音！",
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "一",
	time.Tuesday:   "二",
	time.Wednesday: "三",
	time.Thursday:  "四",
	time.Friday:    "五",
	time.Saturday:  "六",
	time.Sunday:    "日",
}

func (rt *Router) cmdHelp(ctx context.Context, evt *onebot.Event, args []string) string {
	return helpText
}

func (rt *Router) cmdTime(ctx context.Context, evt *onebot.Event, args []string) string {
	now := rt.nowFunc()
	return fmt.Sprintf("🕐 当前时间: %s\n📅 星期%s", now.Format("2006-01-02 15:04:05"), weekdayNames[now.Weekday()])
}

func (rt *Router) cmdPing(ctx context.Context, evt *onebot.Event, args []string) string {
	return "🏓 Pong! 机器人运行正常！"
}

func (rt *Router) cmdEcho(ctx context.Context, evt *onebot.Event, args []string) string {
	if len(args) == 0 {
		return "📢 请提供要回显的文本，例如: /echo 你好世界"
	}
	return "📢 " + strings.Join(args, " ")
}

func (rt *Router) cmdCalc(ctx context.Context, evt *onebot.Event, args []string) string {
	if len(args) == 0 {
		return "🔢 请提供计算表达式，例如: /calc 1+2*3"
	}
	expression := strings.Join(args, " ")

	result, err := evalExpression(expression)
	if err == errDisallowedChars {
		return "❌ 表达式包含不允许的字符"
	}
	if err != nil {
		return "❌ 计算错误: 请检查表达式是否正确"
	}
	return fmt.Sprintf("🔢 %s = %s", expression, formatNumber(result))
}

func (rt *Router) cmdDice(ctx context.Context, evt *onebot.Event, args []string) string {
	sides := 6
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "🎲 请提供有效的数字，例如: /dice 20"
		}
		if n < 2 || n > rt.cfg.Games.DiceMaxSides {
			return fmt.Sprintf("🎲 骰子面数必须在2-%d之间", rt.cfg.Games.DiceMaxSides)
		}
		sides = n
	}
	result := rt.randIntn(sides) + 1
	return fmt.Sprintf("🎲 掷出了 %d 面骰子: %d", sides, result)
}

func (rt *Router) cmdCoin(ctx context.Context, evt *onebot.Event, args []string) string {
	if rt.randIntn(2) == 0 {
		return "🪙 硬币落地: 正面!"
	}
	return "🔘 硬币落地: 反面!"
}

func (rt *Router) cmdJoke(ctx context.Context, evt *onebot.Event, args []string) string {
	return "😄 " + rt.pick(jokes)
}

func (rt *Router) cmdRoll(ctx context.Context, evt *onebot.Event, args []string) string {
	count := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "🎰 请提供有效的数字"
		}
		if n < 1 || n > 10 {
			return "🎰 数量必须在1-10之间"
		}
		count = n
	}

	results := make([]string, count)
	for i := range results {
		results[i] = strconv.Itoa(rt.randIntn(100) + 1)
	}
	return "🎰 随机数 (1-100): " + strings.Join(results, ", ")
}

func (rt *Router) cmdFortune(ctx context.Context, evt *onebot.Event, args []string) string {
	fortunes := []string(rt.cfg.Games.Fortunes)
	if len(fortunes) == 0 {
		return ""
	}
	return "🔮 今日运势: " + rt.pick(fortunes)
}

func (rt *Router) cmdCheckin(ctx context.Context, evt *onebot.Event, args []string) string {
	res := rt.store.Checkin(evt.UserID, evt.Nickname, rt.cfg.Checkin.DailyPoints, rt.cfg.Checkin.StreakBonus)
	if res.Already {
		return "✅ 今天已经签到过了！明天再来吧~"
	}
	return fmt.Sprintf("✅ 签到成功！\n📅 连续签到: %d 天\n💰 获得积分: %d\n🏆 总积分: %d",
		res.Streak, res.Points, res.Total)
}

func (rt *Router) cmdPoints(ctx context.Context, evt *onebot.Event, args []string) string {
	u, _ := rt.store.User(evt.UserID)
	return fmt.Sprintf("💰 你的积分: %d\n📅 连续签到: %d 天\n💬 消息数: %d",
		u.Points, u.CheckinStreak, u.MessageCount)
}

func (rt *Router) cmdRank(ctx context.Context, evt *onebot.Event, args []string) string {
	top := rt.store.Rank(10)
	if len(top) == 0 {
		return "🏆 排行榜还是空的，快去 /checkin 赚积分吧！"
	}

	var b strings.Builder
	b.WriteString("🏆 积分排行榜\n")
	medals := []string{"🥇", "🥈", "🥉"}
	for i, u := range top {
		prefix := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			prefix = medals[i]
		}
		name := u.Nickname
		if name == "" {
			name = strconv.FormatInt(u.UserID, 10)
		}
		b.WriteString(fmt.Sprintf("%s %s - %d 分\n", prefix, name, u.Points))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (rt *Router) cmdGuess(ctx context.Context, evt *onebot.Event, args []string) string {
	return rt.startGuess(evt.UserID)
}

func (rt *Router) cmdRPS(ctx context.Context, evt *onebot.Event, args []string) string {
	if len(args) == 0 {
		return "🎮 石头剪刀布！请选择: /rps 石头 或 /rps 剪刀 或 /rps 布"
	}
	return rt.playRPS(strings.Join(args, " "))
}
