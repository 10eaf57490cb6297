package rest

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type createReservationRequest struct {
	EventID        string   `json:"event_id" validate:"required,uuid"`
	Type           string   `json:"type" validate:"required,oneof=pista prive"`
	GuestIDs       []string `json:"guest_ids" validate:"max=50,dive,uuid"`
	WantsGroupChat bool     `json:"wants_group_chat"`
	IsOpenTable    bool     `json:"is_open_table"`
	Description    *string  `json:"description" validate:"omitempty,max=500"`
	MinBudget      *float64 `json:"min_budget" validate:"omitempty,gte=0"`
	AvailableSpots *int     `json:"available_spots" validate:"omitempty,gte=1"`
}

type submitJoinRequestRequest struct {
	Message string `json:"message" validate:"max=500"`
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
}

// validationMeta flattens validator errors into field -> rule.
func validationMeta(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	meta := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := toSnake(fe.StructField())
		if fe.Param() != "" {
			meta[field] = fe.Tag() + "=" + fe.Param()
		} else {
			meta[field] = fe.Tag()
		}
	}
	return meta
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && (s[i-1] < 'A' || s[i-1] > 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
