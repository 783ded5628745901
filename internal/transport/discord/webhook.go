package discord

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"xivtimers/internal/transport"
	"xivtimers/pkg/logx"
)

// Sender delivers messages through Discord webhooks.
//
// Webhook execution is credentialed by the webhook id/token pair, so the
// underlying session carries no bot token and never opens a gateway
// connection.
type Sender struct {
	s   *discordgo.Session
	log logx.Logger
}

func New(log logx.Logger) (*Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &Sender{s: s, log: log}, nil
}

func (d *Sender) Send(ctx context.Context, ep transport.Endpoint, msg transport.Message) error {
	if ep.IsZero() {
		return transport.Permanent(errors.New("empty webhook endpoint"))
	}

	params := &discordgo.WebhookParams{
		Content: msg.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{
				discordgo.AllowedMentionTypeRoles,
				discordgo.AllowedMentionTypeUsers,
			},
		},
	}

	var err error
	if msg.ThreadID != "" {
		_, err = d.s.WebhookThreadExecute(ep.ID, ep.Token, false, msg.ThreadID, params, discordgo.WithContext(ctx))
	} else {
		_, err = d.s.WebhookExecute(ep.ID, ep.Token, false, params, discordgo.WithContext(ctx))
	}
	if err == nil {
		return nil
	}
	return classify(err)
}

// classify maps Discord REST failures onto the transient/permanent taxonomy.
// Auth rejections and deleted webhooks cannot be fixed by retrying; rate
// limits and upstream 5xx can.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return transport.Permanent(err)
		case http.StatusBadRequest:
			// Malformed payload won't improve on retry either.
			return transport.Permanent(err)
		}
		return err
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return err
	}
	// Network-level failures: let the caller retry.
	return err
}
