package server

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nasbot/nasbot/pkg/capture"
	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/jsonx"
	"github.com/nasbot/nasbot/pkg/logger"
	"github.com/nasbot/nasbot/pkg/onebot"
	"github.com/nasbot/nasbot/pkg/router"
	"github.com/nasbot/nasbot/pkg/store"
	"github.com/nasbot/nasbot/pkg/utils"
)

// Pipeline runs one webhook body through decode, normalize, route and
// dispatch. It is shared by the HTTP ingress and the WebSocket
// transport.
type Pipeline struct {
	cfg       *config.Config
	store     *store.Store
	router    *router.Router
	messenger onebot.Messenger
	captures  *capture.Log

	eventsTotal    atomic.Int64
	messagesTotal  atomic.Int64
	repliesSent    atomic.Int64
	decodeErrors   atomic.Int64
	dispatchErrors atomic.Int64
}

func NewPipeline(cfg *config.Config, st *store.Store, rt *router.Router, messenger onebot.Messenger, captures *capture.Log) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		router:    rt,
		messenger: messenger,
		captures:  captures,
	}
}

// Process handles one raw body. It returns the decode diagnostic when
// the payload was not valid JSON, nil otherwise. Everything past the
// decode stage is best-effort and never surfaces an error.
func (p *Pipeline) Process(ctx context.Context, remoteAddr string, body []byte) *jsonx.Diagnostic {
	p.eventsTotal.Add(1)

	res := jsonx.Decode(body)
	p.record(remoteAddr, res)

	if !res.OK() {
		p.decodeErrors.Add(1)
		logger.WarnCF("server", "JSON decode failed", map[string]interface{}{
			"remote":  remoteAddr,
			"error":   res.Diag.Message,
			"line":    res.Diag.Line,
			"column":  res.Diag.Column,
			"context": res.Diag.Context,
		})
		return res.Diag
	}

	evt, err := onebot.Normalize([]byte(res.Text))
	if err != nil {
		// Unknown event shapes are logged and dropped, never fatal.
		logger.WarnCF("server", "Dropping event", map[string]interface{}{
			"remote": remoteAddr,
			"error":  err.Error(),
		})
		return nil
	}

	switch evt.PostType {
	case onebot.PostTypeMessage:
		p.handleMessage(ctx, evt)
	case onebot.PostTypeNotice:
		logger.InfoCF("server", "Notice event", map[string]interface{}{
			"notice_type": evt.NoticeType,
			"user_id":     evt.UserID,
			"group_id":    evt.GroupID,
		})
	case onebot.PostTypeRequest:
		logger.InfoCF("server", "Request event", map[string]interface{}{
			"request_type": evt.RequestType,
			"user_id":      evt.UserID,
			"flag":         evt.Flag,
		})
	case onebot.PostTypeMeta:
		logger.DebugCF("server", "Meta event", map[string]interface{}{
			"meta_event_type": evt.MetaEventType,
		})
	}
	return nil
}

func (p *Pipeline) handleMessage(ctx context.Context, evt *onebot.Event) {
	p.messagesTotal.Add(1)

	kind := "私聊"
	if evt.IsGroup() {
		kind = "群聊"
	}
	logger.InfoCF("server", "Message received", map[string]interface{}{
		"kind":     kind,
		"user_id":  evt.UserID,
		"group_id": evt.GroupID,
		"nickname": evt.Nickname,
		"text":     utils.Truncate(evt.Text, 120),
	})

	p.store.TouchUser(evt.UserID, evt.Nickname)
	if evt.IsGroup() {
		p.store.RecordGroupMessage(evt.GroupID, evt.UserID)
	}

	reply := p.router.Route(ctx, evt)
	if reply == "" {
		return
	}

	if err := onebot.Dispatch(ctx, p.messenger, evt, reply); err != nil {
		p.dispatchErrors.Add(1)
		return
	}
	p.repliesSent.Add(1)
}

func (p *Pipeline) record(remoteAddr string, res jsonx.Result) {
	if p.captures == nil {
		return
	}

	rec := capture.Record{
		ReceivedAt: time.Now(),
		RemoteAddr: remoteAddr,
		Encoding:   res.Encoding,
		Valid:      res.OK(),
		Payload:    res.Text,
	}
	if res.Diag != nil {
		if data, err := json.Marshal(res.Diag); err == nil {
			rec.Diagnostic = string(data)
		}
	}
	p.captures.Append(rec)
}

// UserCount reports how many user profiles the store holds.
func (p *Pipeline) UserCount() int {
	return p.store.UserCount()
}

// Counters is the snapshot served by the status endpoint.
type Counters struct {
	EventsTotal    int64 `json:"events_total"`
	MessagesTotal  int64 `json:"messages_total"`
	RepliesSent    int64 `json:"replies_sent"`
	DecodeErrors   int64 `json:"decode_errors"`
	DispatchErrors int64 `json:"dispatch_errors"`
}

func (p *Pipeline) Snapshot() Counters {
	return Counters{
		EventsTotal:    p.eventsTotal.Load(),
		MessagesTotal:  p.messagesTotal.Load(),
		RepliesSent:    p.repliesSent.Load(),
		DecodeErrors:   p.decodeErrors.Load(),
		DispatchErrors: p.dispatchErrors.Load(),
	}
}
