package inbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor pins a keyset-pagination position in the merged inbox stream:
// strictly older than (CreatedAt, ID) in (createdAt desc, id desc) order.
// It carries the last item returned, personal or group. Opaque to clients.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// Encode serializes the cursor as URL-safe base64 JSON.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a client-supplied cursor. An empty string means
// start at the head.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if c.CreatedAt.IsZero() || c.ID == "" {
		return nil, fmt.Errorf("incomplete cursor")
	}
	return &c, nil
}
