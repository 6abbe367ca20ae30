package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no conversation exists for the key.
var ErrNotFound = errors.New("conversation: not found")

type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversation state in Postgres, one row per owner,
// platform and sender thread.
type Store struct {
	conn pgxConn
}

// NewStore creates a Postgres-backed conversation store.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &Store{conn: pool}
}

func newStoreWithConn(conn pgxConn) *Store {
	return &Store{conn: conn}
}

// Load returns the conversation for the key, or ErrNotFound.
func (s *Store) Load(ctx context.Context, ownerID, platform, senderExternalID string) (State, error) {
	var (
		state      State
		fieldsJSON []byte
		slotsJSON  []byte
	)
	err := s.conn.QueryRow(ctx, `
		SELECT step, intent, fields, offered_slots, selected_slot_id, last_event_id, last_reply, updated_at
		FROM conversations
		WHERE owner_id = $1 AND platform = $2 AND sender_external_id = $3
	`, ownerID, platform, senderExternalID).Scan(
		&state.Step, &state.Intent, &fieldsJSON, &slotsJSON, &state.SelectedSlotID, &state.LastEventID, &state.LastReply, &state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("conversation: load state: %w", err)
	}

	state.OwnerID = ownerID
	state.Platform = platform
	state.SenderExternalID = senderExternalID
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &state.Fields); err != nil {
			return State{}, fmt.Errorf("conversation: decode fields: %w", err)
		}
	}
	if len(slotsJSON) > 0 {
		if err := json.Unmarshal(slotsJSON, &state.OfferedSlots); err != nil {
			return State{}, fmt.Errorf("conversation: decode offered slots: %w", err)
		}
	}
	return state, nil
}

// Save upserts the conversation state.
func (s *Store) Save(ctx context.Context, state State) error {
	fieldsJSON, err := json.Marshal(state.Fields)
	if err != nil {
		return fmt.Errorf("conversation: encode fields: %w", err)
	}
	slotsJSON, err := json.Marshal(state.OfferedSlots)
	if err != nil {
		return fmt.Errorf("conversation: encode offered slots: %w", err)
	}

	_, err = s.conn.Exec(ctx, `
		INSERT INTO conversations (owner_id, platform, sender_external_id, step, intent, fields, offered_slots, selected_slot_id, last_event_id, last_reply, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner_id, platform, sender_external_id) DO UPDATE SET
			step = EXCLUDED.step,
			intent = EXCLUDED.intent,
			fields = EXCLUDED.fields,
			offered_slots = EXCLUDED.offered_slots,
			selected_slot_id = EXCLUDED.selected_slot_id,
			last_event_id = EXCLUDED.last_event_id,
			last_reply = EXCLUDED.last_reply,
			updated_at = EXCLUDED.updated_at
	`,
		state.OwnerID, state.Platform, state.SenderExternalID,
		state.Step, state.Intent, fieldsJSON, slotsJSON, state.SelectedSlotID, state.LastEventID, state.LastReply,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("conversation: save state: %w", err)
	}
	return nil
}
