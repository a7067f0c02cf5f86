// SPDX-License-Identifier: AGPL-3.0-only
package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fluffyriot/gabrelay/internal/config"
	"github.com/fluffyriot/gabrelay/internal/relay"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

// Sender delivers text and media to the one configured channel over MTProto.
// It implements relay.Messenger once Run has resolved the channel.
type Sender struct {
	client  *telegram.Client
	token   string
	channel string

	sender *message.Sender
	upload *uploader.Uploader
	peer   tg.InputPeerClass
}

func NewSender(cfg *config.AppConfig) (*Sender, error) {
	appID, err := strconv.Atoi(cfg.TgAppID)
	if err != nil {
		return nil, fmt.Errorf("invalid TG_APP_ID: %v", err)
	}

	client := telegram.NewClient(appID, cfg.TgAppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
	})

	return &Sender{
		client:  client,
		token:   cfg.TgBotToken,
		channel: cfg.TgChannel,
	}, nil
}

// Run connects, authenticates the bot, resolves the target channel, then
// hands control to fn until it returns or ctx is cancelled.
func (s *Sender) Run(ctx context.Context, fn func(context.Context) error) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		if err := s.botAuth(ctx, 5); err != nil {
			return err
		}
		if err := s.resolveChannel(ctx); err != nil {
			return err
		}

		api := s.client.API()
		s.sender = message.NewSender(api)
		s.upload = uploader.NewUploader(api)

		return fn(ctx)
	})
}

func (s *Sender) botAuth(ctx context.Context, maxRetries int) error {
	status, err := s.client.Auth().Status(ctx)
	if err == nil && status.Authorized {
		return nil
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err := s.client.Auth().Bot(ctx, s.token)
		if err == nil {
			return nil
		}

		if wait, isFlood := telegram.AsFloodWait(err); isFlood {
			if wait > 60*time.Second {
				return fmt.Errorf("flood wait too long: %v", wait)
			}
			time.Sleep(wait)
			continue
		}

		backoff := time.Duration(attempt*attempt) * time.Second
		time.Sleep(backoff)
	}

	return fmt.Errorf("bot auth failed after %d retries", maxRetries)
}

func (s *Sender) resolveChannel(ctx context.Context) error {
	res, err := s.client.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: s.channel,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve channel: %w", err)
	}

	var channel *tg.Channel
	for _, c := range res.Chats {
		if ch, ok := c.(*tg.Channel); ok {
			channel = ch
			break
		}
	}
	if channel == nil {
		return fmt.Errorf("resolved chat is not a channel")
	}

	s.peer = &tg.InputPeerChannel{
		ChannelID:  channel.ID,
		AccessHash: channel.AccessHash,
	}
	return nil
}

func (s *Sender) SendText(ctx context.Context, text string) error {
	_, err := s.sender.To(s.peer).Text(ctx, text)
	return floodMapped(err)
}

func (s *Sender) SendPhoto(ctx context.Context, path string) error {
	f, err := s.upload.FromPath(ctx, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	_, err = s.sender.To(s.peer).Media(ctx, message.UploadedPhoto(f))
	return floodMapped(err)
}

func (s *Sender) SendVideo(ctx context.Context, path string) error {
	f, err := s.upload.FromPath(ctx, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}

	doc := message.UploadedDocument(f).
		Filename(filepath.Base(path)).
		MIME("video/mp4").
		Video().
		SupportsStreaming()

	_, err = s.sender.To(s.peer).Media(ctx, doc)
	return floodMapped(err)
}

// floodMapped translates Telegram's flood wait into the pipeline's structured
// retry signal; everything else passes through untouched.
func floodMapped(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := telegram.AsFloodWait(err); ok {
		return &relay.FloodWaitError{RetryAfter: wait}
	}
	return err
}
