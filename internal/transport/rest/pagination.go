package rest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
)

var errBadCursor = errors.New("bad cursor")

// cursorToken is the opaque keyset position handed to clients.
type cursorToken struct {
	At time.Time `json:"t"`
	ID uuid.UUID `json:"id"`
}

func encodeCursor(c *domain.KeysetCursor) string {
	if c == nil {
		return ""
	}
	b, err := json.Marshal(cursorToken{At: c.CreatedAt.UTC(), ID: c.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (*domain.KeysetCursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	var tok cursorToken
	if err := json.Unmarshal(b, &tok); err != nil || tok.At.IsZero() || tok.ID == uuid.Nil {
		return nil, errBadCursor
	}
	return &domain.KeysetCursor{CreatedAt: tok.At, ID: tok.ID}, nil
}
