// Package relay carries icon changes to the chat bot, which renders a text
// card for every published or updated icon.
package relay

import (
	"context"
	"time"
)

type EventType string

const (
	IconPublished EventType = "icon.published"
	IconUpdated   EventType = "icon.updated"
	IconDeleted   EventType = "icon.deleted"
)

// Event is the message exchanged over the broker. Consumers read the icon
// itself from storage.
type Event struct {
	Type       EventType `json:"type"`
	IconID     uint      `json:"icon_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewEvent(t EventType, iconID uint) Event {
	return Event{Type: t, IconID: iconID, OccurredAt: time.Now().UTC()}
}

// Card is the public view of an icon served by /api/icon/{id} and drawn by
// the bot.
type Card struct {
	Title        string   `json:"title"`
	Saints       []string `json:"saints"`
	Tradition    string   `json:"tradition"`
	Century      string   `json:"century"`
	Region       string   `json:"region"`
	Iconographer string   `json:"iconographer"`
	Uploader     string   `json:"uploader"`
	ImageURL     string   `json:"image_url"`
	Description  string   `json:"description"`
}

// CardSource loads the card of an icon.
type CardSource interface {
	Card(ctx context.Context, iconID uint) (*Card, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
