package domain

// Party size policy.
//
// Semantics:
// - pista: max_guests_per_reservation from the catalog, or defaultMax when the
//   catalog leaves it unset (<= 0). The owner counts toward the max.
// - prive: prive_max_seats; 0 when prive is disabled or misconfigured, which
//   callers treat as "no prive reservations".
func PartyMax(ev *Event, t ReservationType, defaultMax int) int {
	if ev == nil {
		return 0
	}
	switch t {
	case TypePista:
		if ev.MaxGuestsPerReservation > 0 {
			return ev.MaxGuestsPerReservation
		}
		if defaultMax < 1 {
			return 1
		}
		return defaultMax
	case TypePrive:
		if !ev.PriveEnabled || ev.PriveMaxSeats < 0 {
			return 0
		}
		return ev.PriveMaxSeats
	default:
		return 0
	}
}

// EffectiveMinBudget resolves the listing floor: the event prive minimum
// supersedes an omitted budget. The bool is false when the provided budget is
// below the event minimum.
func EffectiveMinBudget(ev *Event, provided *float64) (*float64, bool) {
	if ev == nil || ev.PriveMinPrice == nil {
		return provided, true
	}
	floor := *ev.PriveMinPrice
	if provided == nil {
		return &floor, true
	}
	if *provided < floor {
		return provided, false
	}
	return provided, true
}
