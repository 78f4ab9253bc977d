package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// guessSession is the per-user state of one guess-the-number game. At
// most one session exists per user id.
type guessSession struct {
	secret      int
	attempts    int
	maxAttempts int
	lastActive  time.Time
}

func (rt *Router) sessionTTL() time.Duration {
	ttl := time.Duration(rt.cfg.Sessions.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return ttl
}

// sweepExpiredUnsafe drops sessions idle past the TTL. Caller holds the
// lock.
func (rt *Router) sweepExpiredUnsafe() {
	cutoff := rt.nowFunc().Add(-rt.sessionTTL())
	for userID, sess := range rt.sessions {
		if sess.lastActive.Before(cutoff) {
			delete(rt.sessions, userID)
		}
	}
}

// evictStalestUnsafe makes room when the table hit its cap. Caller holds
// the lock.
func (rt *Router) evictStalestUnsafe() {
	var oldestID int64
	var oldest time.Time
	first := true
	for userID, sess := range rt.sessions {
		if first || sess.lastActive.Before(oldest) {
			oldestID = userID
			oldest = sess.lastActive
			first = false
		}
	}
	if !first {
		delete(rt.sessions, oldestID)
	}
}

func (rt *Router) startGuess(userID int64) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sweepExpiredUnsafe()

	if _, ok := rt.sessions[userID]; ok {
		return "🎮 你已经在游戏中了！发送数字来猜测，或发送 /quit 退出"
	}

	maxEntries := rt.cfg.Sessions.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if len(rt.sessions) >= maxEntries {
		rt.evictStalestUnsafe()
	}

	rangeMax := rt.cfg.Games.GuessRangeMax
	if rangeMax < 2 {
		rangeMax = 100
	}
	maxAttempts := rt.cfg.Games.GuessMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 6
	}

	rt.sessions[userID] = &guessSession{
		secret:      rt.randIntn(rangeMax) + 1,
		maxAttempts: maxAttempts,
		lastActive:  rt.nowFunc(),
	}

	return fmt.Sprintf("🎯 猜数字游戏开始！\n我想了一个1-%d的数字\n你有%d次机会来猜测\n直接发送数字即可！",
		rangeMax, maxAttempts)
}

// stepSession feeds text into the user's active session. The second
// return is false when the user has no session and routing should
// continue.
func (rt *Router) stepSession(userID int64, text string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sweepExpiredUnsafe()

	sess, ok := rt.sessions[userID]
	if !ok {
		return "", false
	}
	sess.lastActive = rt.nowFunc()

	trimmed := strings.TrimSpace(text)
	if trimmed == "/quit" {
		delete(rt.sessions, userID)
		return "🎮 游戏已退出！答案是 " + strconv.Itoa(sess.secret), true
	}

	guess, err := strconv.Atoi(trimmed)
	if err != nil {
		// Not a guess; the attempt is not consumed.
		return "🔢 请输入一个有效的数字，或发送 /quit 退出游戏", true
	}

	sess.attempts++

	if guess == sess.secret {
		delete(rt.sessions, userID)
		bonus := 50 - sess.attempts*5
		if bonus < 10 {
			bonus = 10
		}
		rt.store.AddPoints(userID, "", bonus)
		return fmt.Sprintf("🎉 恭喜！你猜对了！\n答案确实是 %d\n用了 %d 次尝试\n💰 获得 %d 积分！",
			sess.secret, sess.attempts, bonus), true
	}

	if sess.attempts >= sess.maxAttempts {
		delete(rt.sessions, userID)
		return fmt.Sprintf("💔 游戏结束！\n答案是 %d\n下次加油哦！", sess.secret), true
	}

	hint := "太小了"
	if guess > sess.secret {
		hint = "太大了"
	}
	remaining := sess.maxAttempts - sess.attempts
	return fmt.Sprintf("❌ %d %s！\n还有 %d 次机会", guess, hint, remaining), true
}

var (
	rpsNames  = []string{"石头", "剪刀", "布"}
	rpsEmojis = []string{"🪨", "✂️", "📄"}
)

func (rt *Router) playRPS(choice string) string {
	choice = strings.TrimSpace(choice)

	userNum := -1
	for i, name := range rpsNames {
		if choice == name {
			userNum = i
			break
		}
	}
	if userNum < 0 {
		return "🎮 请选择: 石头、剪刀、布"
	}

	botNum := rt.randIntn(3)
	result := fmt.Sprintf("你: %s %s\n我: %s %s\n\n",
		rpsEmojis[userNum], rpsNames[userNum], rpsEmojis[botNum], rpsNames[botNum])

	switch {
	case userNum == botNum:
		return result + "🤝 平局！"
	case (userNum+1)%3 == botNum:
		return result + "🎉 你赢了！"
	default:
		return result + "😅 我赢了！"
	}
}
