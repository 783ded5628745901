package event

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one notification event kind.
//
// The value is the stable wire name used in reminder rows and rendered
// payloads. Ad-hoc reminders created by users carry UserReminder with the
// message in the reminder's extra payload.
type Kind string

const (
	DailyReset     Kind = "daily_reset"
	WeeklyReset    Kind = "weekly_reset"
	FashionReport  Kind = "fashion_report"
	OceanFishing   Kind = "ocean_fishing"
	JumboCactpot   Kind = "jumbo_cactpot"
	OpenTournament Kind = "tt_open_tournament"
	UserReminder   Kind = "user_reminder"
)

var ErrUnknownKind = errors.New("unknown event kind")

// bits assigns each subscribable kind its bit position in the stored
// subscription flags. Positions are append-only: existing kinds keep their
// bit, new kinds take the next unused one. UserReminder is deliberately
// absent; it targets a single user, not guild subscriptions.
var bits = map[Kind]uint{
	DailyReset:     0,
	WeeklyReset:    1,
	FashionReport:  2,
	OceanFishing:   3,
	JumboCactpot:   4,
	OpenTournament: 5,
}

// Subscribable kinds in bit order.
var Subscribable = []Kind{
	DailyReset,
	WeeklyReset,
	FashionReport,
	OceanFishing,
	JumboCactpot,
	OpenTournament,
}

func (k Kind) String() string { return string(k) }

// IsSubscribable reports whether guilds can subscribe to this kind.
func (k Kind) IsSubscribable() bool {
	_, ok := bits[k]
	return ok
}

// Bit returns the kind's position in the stored subscription flags.
func (k Kind) Bit() (uint, bool) {
	b, ok := bits[k]
	return b, ok
}

// ParseKind validates a wire name against the known enumeration.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if k == UserReminder {
		return k, nil
	}
	if _, ok := bits[k]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Set is a set of subscribable kinds.
//
// It is backed by a 64-bit word so it round-trips through the integer
// subscriptions column without width migrations. Bits with no assigned kind
// are preserved on round-trip and otherwise ignored.
type Set uint64

func SetOf(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s.Add(k)
	}
	return s
}

// SetFromValue decodes a stored subscriptions value.
func SetFromValue(v int64) Set { return Set(uint64(v)) }

// Value encodes the set for storage.
func (s Set) Value() int64 { return int64(uint64(s)) }

func (s Set) Has(k Kind) bool {
	b, ok := bits[k]
	return ok && s&(1<<b) != 0
}

func (s *Set) Add(k Kind) {
	if b, ok := bits[k]; ok {
		*s |= 1 << b
	}
}

func (s *Set) Remove(k Kind) {
	if b, ok := bits[k]; ok {
		*s &^= 1 << b
	}
}

func (s Set) IsEmpty() bool { return s == 0 }

// Kinds lists the set's members in bit order.
func (s Set) Kinds() []Kind {
	out := make([]Kind, 0, len(Subscribable))
	for _, k := range Subscribable {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
