package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/pkg/telemetry/correlation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event describes a domain event to store in the outbox.
type Event struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Outbox inserts domain events into the outbox_events table.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *Outbox {
	return &Outbox{db: db, genID: genID, clock: clk}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event using an existing transaction.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}
	payload["metadata"] = correlation.Capture(ctx).Map()

	var dedupe *string
	if key := strings.TrimSpace(event.DedupeKey); key != "" {
		dedupe = &key
	}

	row := &OutboxEvent{
		ID:        o.genID.Generate(),
		EventType: name,
		Payload:   payload,
		DedupeKey: dedupe,
		CreatedAt: o.now(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(row).Error
}

// Pending returns unpublished events oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []OutboxEvent
	err := o.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (o *Outbox) MarkPublished(ctx context.Context, id snowflake.ID) error {
	now := o.now()
	return o.db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET published = true, published_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id = ? AND published = false`,
		now,
		id,
	).Error
}

func (o *Outbox) MarkFailed(ctx context.Context, id snowflake.ID, cause error) error {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	return o.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg,
		id,
	).Error
}

func (o *Outbox) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}
