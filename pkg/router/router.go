// Package router turns normalized message events into at most one reply
// string. Routing priority is fixed: an active game session first, then
// prefix commands, then keyword matching, then the AI fallback.
package router

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/logger"
	"github.com/nasbot/nasbot/pkg/onebot"
	"github.com/nasbot/nasbot/pkg/store"
)

// Responder is the AI fallback consulted when nothing else matched.
// A failure means no reply, never an error surfaced to the user.
type Responder interface {
	Reply(ctx context.Context, userID int64, message string) (string, error)
}

type Router struct {
	cfg   *config.Config
	store *store.Store
	ai    Responder

	mu       sync.Mutex
	sessions map[int64]*guessSession

	randIntn func(n int) int
	nowFunc  func() time.Time
}

func New(cfg *config.Config, st *store.Store, ai Responder) *Router {
	return &Router{
		cfg:      cfg,
		store:    st,
		ai:       ai,
		sessions: make(map[int64]*guessSession),
		randIntn: rand.Intn,
		nowFunc:  time.Now,
	}
}

// Route picks the reply for one message event. An empty string means no
// reply should be sent.
func (rt *Router) Route(ctx context.Context, evt *onebot.Event) string {
	text := evt.Text
	if text == "" {
		text = strings.TrimSpace(evt.RawText)
	}
	if text == "" {
		return ""
	}

	// 1. An active game session consumes the message outright.
	if reply, ok := rt.stepSession(evt.UserID, text); ok {
		return reply
	}

	// 2. Prefix commands.
	prefix := rt.cfg.Bot.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}
	if strings.HasPrefix(text, prefix) {
		if reply := rt.dispatchCommand(ctx, evt, text[len(prefix):]); reply != "" {
			return reply
		}
	}

	if !rt.cfg.Bot.AutoReply {
		return ""
	}

	// 3. Keyword and affect matching.
	if reply := rt.affectResponse(text); reply != "" {
		return reply
	}
	if reply := rt.keywordResponse(text); reply != "" {
		return reply
	}
	if reply := rt.triggerResponse(text); reply != "" {
		return reply
	}

	// 4. AI fallback.
	if rt.ai != nil && rt.cfg.AI.Enabled {
		reply, err := rt.ai.Reply(ctx, evt.UserID, text)
		if err != nil {
			logger.WarnCF("router", "AI fallback failed", map[string]interface{}{
				"user_id": evt.UserID,
				"error":   err.Error(),
			})
			return ""
		}
		return reply
	}

	return ""
}

func (rt *Router) dispatchCommand(ctx context.Context, evt *onebot.Event, body string) string {
	parts := strings.Fields(body)
	if len(parts) == 0 {
		return ""
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	handler, ok := commandTable[command]
	if !ok {
		return "❓ 未知命令: " + command + "\n发送 /help 查看所有可用命令"
	}
	return handler(rt, ctx, evt, args)
}

// ActiveSessions reports the current game session count for the status
// endpoint.
func (rt *Router) ActiveSessions() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sweepExpiredUnsafe()
	return len(rt.sessions)
}

func (rt *Router) pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[rt.randIntn(len(options))]
}
