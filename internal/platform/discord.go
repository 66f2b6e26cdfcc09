package platform

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord implements Client on top of a Discord guild. Private purchase
// channels are text channels with an overwrite hiding them from @everyone.
type Discord struct {
	session *discordgo.Session
	guildID string
}

func NewDiscord(token, guildID string) (*Discord, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord connect: %w", err)
	}
	return &Discord{session: s, guildID: guildID}, nil
}

func (d *Discord) Close() error { return d.session.Close() }

func (d *Discord) CreatePrivateChannel(ctx context.Context, name, buyerID string) (Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(d.guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildText,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{
			{
				// The guild id doubles as the @everyone role id.
				ID:   d.guildID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: discordgo.PermissionViewChannel,
			},
			{
				ID:    buyerID,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
			},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Channel{}, fmt.Errorf("create channel %q: %w", name, err)
	}
	return Channel{ID: ch.ID, Name: ch.Name}, nil
}

func (d *Discord) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := d.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	return nil
}

func (d *Discord) Send(ctx context.Context, channelID string, msg Message) error {
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.Embed != nil {
		embed := &discordgo.MessageEmbed{
			Title:       msg.Embed.Title,
			Description: msg.Embed.Description,
		}
		for _, f := range msg.Embed.Fields {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:   f.Name,
				Value:  f.Value,
				Inline: f.Inline,
			})
		}
		if msg.Embed.Footer != "" {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: msg.Embed.Footer}
		}
		send.Embeds = []*discordgo.MessageEmbed{embed}
	}
	if _, err := d.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send to channel %s: %w", channelID, err)
	}
	return nil
}
