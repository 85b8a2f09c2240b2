package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/metrics"
	"github.com/mbd888/nostrmcp/internal/wire"
)

// Announcement is one replaceable discovery event: server info or a
// capability listing.
type Announcement struct {
	Kind    int
	Content string
}

// AnnouncementSource produces the current announcement set, typically by
// querying the application server for its capability listings.
type AnnouncementSource interface {
	Announcements(ctx context.Context) ([]Announcement, error)
}

// SetAnnouncementSource installs the announcement producer. Announcements are
// published on Start and on every PublishAnnouncements call.
func (t *ServerTransport) SetAnnouncementSource(src AnnouncementSource) {
	t.announceSource = src
}

// SetAnnouncementTags attaches extra tags to announcements of one kind:
// identity tags (name, about, website, picture) on server info, pricing tags
// (cap, pmi) wherever the operator wants them advertised.
func (t *ServerTransport) SetAnnouncementTags(kind int, tags nostr.Tags) {
	t.announceTags[kind] = tags
}

// PublishAnnouncements queries the source and publishes every announcement.
// Server info additionally carries the encryption support tags derived from
// the configured mode.
func (t *ServerTransport) PublishAnnouncements(ctx context.Context) error {
	if t.announceSource == nil {
		return errors.New("no announcement source installed")
	}
	announcements, err := t.announceSource.Announcements(ctx)
	if err != nil {
		return fmt.Errorf("collect announcements: %w", err)
	}

	var errs []error
	for _, a := range announcements {
		tags := append(nostr.Tags{}, t.announceTags[a.Kind]...)
		if a.Kind == wire.KindServerInfo && t.mode != EncryptionDisabled {
			tags = append(tags,
				nostr.Tag{wire.TagSupportEncryption, "true"},
				nostr.Tag{wire.TagSupportEncryptionEphemeral, "true"},
			)
		}

		ev := nostr.Event{
			Kind:      a.Kind,
			CreatedAt: nostr.Now(),
			Content:   a.Content,
			Tags:      tags,
		}
		if err := t.signer.SignEvent(ctx, &ev); err != nil {
			errs = append(errs, fmt.Errorf("sign announcement %d: %w", a.Kind, err))
			continue
		}
		if err := t.relay.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("publish announcement %d: %w", a.Kind, err))
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues("server").Inc()
		t.logger.Debug("announcement published", "kind", a.Kind)
	}
	return errors.Join(errs...)
}
