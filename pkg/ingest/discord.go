package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mnemolabs/strata/pkg/config"
	"github.com/mnemolabs/strata/pkg/logger"
)

const recordTimeout = 10 * time.Second

// DiscordAdapter listens to a Discord bot session and records every
// allowed message as a memory event.
type DiscordAdapter struct {
	*BaseAdapter
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordAdapter(cfg config.DiscordConfig, recorder Recorder) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	if cfg.DefaultImportance <= 0 {
		cfg.DefaultImportance = 0.4
	}

	base := NewBaseAdapter("discord", recorder, cfg.AllowFrom)

	return &DiscordAdapter{
		BaseAdapter: base,
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordAdapter) Start(ctx context.Context) error {
	logger.InfoC("discord", "starting discord listener")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "discord listener connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordAdapter) Stop(ctx context.Context) error {
	logger.InfoC("discord", "stopping discord listener")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordAdapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}

	if m.Author.ID == s.State.User.ID {
		return
	}

	// Check the allowlist before doing any work on the message body.
	if !c.IsAllowed(senderKey(m.Author.ID, m.Author.Username)) {
		logger.DebugCF("discord", "message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	content := m.Content
	for _, attachment := range m.Attachments {
		content = appendLine(content, fmt.Sprintf("[attachment: %s]", attachment.Filename))
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	importance, intensity := scoreMessage(content, c.config.DefaultImportance)

	logger.DebugCF("discord", "received message", map[string]any{
		"sender_id":  m.Author.ID,
		"channel_id": m.ChannelID,
		"preview":    preview(content, 50),
	})

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	item, err := c.RecordMessage(ctx, InboundMessage{
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		ChatID:     m.ChannelID,
		Content:    content,
		Importance: importance,
		Intensity:  intensity,
	})
	if err != nil {
		logger.ErrorCF("discord", "failed to record message", map[string]any{
			"sender_id": m.Author.ID,
			"error":     err.Error(),
		})
		return
	}

	logger.DebugCF("discord", "message recorded", map[string]any{
		"item_id": item.ID,
		"tier":    string(item.Tier),
	})
}

func appendLine(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
