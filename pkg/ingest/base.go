package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/mnemolabs/strata/pkg/engine"
)

// ErrSenderNotAllowed rejects messages whose sender fails the allowlist.
var ErrSenderNotAllowed = errors.New("sender not allowed")

// Recorder is the slice of the engine API that adapters feed.
type Recorder interface {
	RecordEvent(ctx context.Context, req engine.RecordRequest) (engine.MemoryItem, error)
}

type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// InboundMessage is one message captured by an adapter, scored and
// ready to be recorded.
type InboundMessage struct {
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	Importance float64
	Intensity  float64
}

type BaseAdapter struct {
	recorder  Recorder
	name      string
	allowList []string
	running   atomic.Bool
}

func NewBaseAdapter(name string, recorder Recorder, allowList []string) *BaseAdapter {
	return &BaseAdapter{
		recorder:  recorder,
		name:      name,
		allowList: allowList,
	}
}

func (b *BaseAdapter) Name() string {
	return b.name
}

func (b *BaseAdapter) IsRunning() bool {
	return b.running.Load()
}

func (b *BaseAdapter) IsAllowed(senderID string) bool {
	if len(b.allowList) == 0 {
		return true
	}

	// Split compound senderID like "123456|username" into its parts.
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range b.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// RecordMessage stores one inbound message as a memory event attributed
// to this adapter's channel.
func (b *BaseAdapter) RecordMessage(ctx context.Context, msg InboundMessage) (engine.MemoryItem, error) {
	if !b.IsAllowed(senderKey(msg.SenderID, msg.SenderName)) {
		return engine.MemoryItem{}, ErrSenderNotAllowed
	}

	return b.recorder.RecordEvent(ctx, engine.RecordRequest{
		Content: msg.Content,
		Source: engine.IngestSource{
			Channel:  b.name,
			SenderID: msg.SenderID,
			ChatID:   msg.ChatID,
		},
		Importance:         msg.Importance,
		EmotionalIntensity: msg.Intensity,
	})
}

func (b *BaseAdapter) setRunning(running bool) {
	b.running.Store(running)
}

// senderKey builds the compound identity the allowlist matches against,
// so entries may name either the platform ID or the username.
func senderKey(id, name string) string {
	if name == "" {
		return id
	}
	return id + "|" + name
}

var (
	memoryCues  = []string{"remember", "important", "decision", "deadline", "don't forget"}
	urgencyCues = []string{"urgent", "asap", "emergency", "outage", "incident"}
)

// scoreMessage estimates importance and emotional intensity for a chat
// message. Explicit memory cues and length raise importance; urgency
// markers and exclamations raise intensity. Both stay below the shock
// threshold, so chat traffic alone never commits protected entries.
func scoreMessage(content string, base float64) (importance, intensity float64) {
	importance = base
	lower := strings.ToLower(content)

	for _, cue := range memoryCues {
		if strings.Contains(lower, cue) {
			importance += 0.2
			break
		}
	}
	if len([]rune(content)) > 280 {
		importance += 0.1
	}

	for _, cue := range urgencyCues {
		if strings.Contains(lower, cue) {
			intensity = 0.6
			break
		}
	}
	if n := strings.Count(content, "!"); n > 0 {
		if n > 3 {
			n = 3
		}
		intensity += 0.1 * float64(n)
	}

	if importance > 0.85 {
		importance = 0.85
	}
	if intensity > 0.9 {
		intensity = 0.9
	}
	return importance, intensity
}
