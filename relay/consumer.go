package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"iconostasis/common"
)

const maxBackoff = 30 * time.Second

// Consumer is the bot side of the relay. It reads events from the queue,
// loads each icon's card from storage and writes the rendered card to out.
type Consumer struct {
	url    string
	queue  string
	source CardSource

	mu  sync.Mutex
	out io.Writer
}

func NewConsumer(url, queue string, source CardSource, out io.Writer) *Consumer {
	return &Consumer{url: url, queue: queue, source: source, out: out}
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever
// the broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := amqp.Dial(c.url)
		if err != nil {
			log.Printf("relay-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("relay-consumer: consume loop ended: %v; reconnecting", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("relay-consumer: set QoS failed: %v", err)
	}
	if err := declareQueue(ch, c.queue); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				log.Printf("relay-consumer: handle message failed: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle processes one event body. Icons deleted before the event is read
// are skipped without error.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	var text string
	switch ev.Type {
	case IconPublished, IconUpdated:
		card, err := c.source.Card(ctx, ev.IconID)
		if errors.Is(err, common.ErrNotFound) {
			log.Printf("relay-consumer: icon %d gone before %s was handled", ev.IconID, ev.Type)
			return nil
		}
		if err != nil {
			return err
		}
		text = RenderCard(ev.IconID, card)
	case IconDeleted:
		text = fmt.Sprintf("Icon #%d was removed.\n", ev.IconID)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, text)
	return err
}

// RenderCard draws the text card for one icon.
func RenderCard(iconID uint, card *Card) string {
	saints := strings.Join(card.Saints, ", ")
	if saints == "" {
		saints = "None"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Icon #%d: %s\n", iconID, card.Title)
	fmt.Fprintf(&b, "  Saint(s): %s\n", saints)
	fmt.Fprintf(&b, "  Tradition: %s\n", orUnknown(card.Tradition))
	fmt.Fprintf(&b, "  Century: %s\n", orUnknown(card.Century))
	fmt.Fprintf(&b, "  Region: %s\n", orUnknown(card.Region))
	fmt.Fprintf(&b, "  Iconographer: %s\n", orUnknown(card.Iconographer))
	fmt.Fprintf(&b, "  Uploaded by: %s\n", orUnknown(card.Uploader))
	fmt.Fprintf(&b, "  Image: %s\n", card.ImageURL)
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
