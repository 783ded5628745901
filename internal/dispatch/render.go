package dispatch

import (
	"fmt"
	"strings"

	"xivtimers/internal/event"
	"xivtimers/internal/storage"
)

// Render produces the notification body for one subscriber. A role override
// becomes a leading mention; user reminders pull their text and target from
// the reminder's extra payload.
func Render(kind event.Kind, roleID string, r storage.Reminder) string {
	var b strings.Builder
	if roleID != "" {
		b.WriteString("<@&" + roleID + "> ")
	}

	switch kind {
	case event.DailyReset:
		b.WriteString("The daily reset is here! Duty roulettes, beast tribe allowances, hunt marks and mini cactpot have reset.")
	case event.WeeklyReset:
		b.WriteString("The weekly reset is here! Raid lockouts, wondrous tails, custom deliveries and the challenge log have reset.")
	case event.FashionReport:
		b.WriteString("Fashion Report judging is open! Check in with Masked Rose before the weekly reset.")
	case event.OceanFishing:
		b.WriteString("An ocean fishing voyage is boarding soon. Registration is open at the ferry docks!")
	case event.JumboCactpot:
		b.WriteString("The Jumbo Cactpot drawing is coming up. Last chance to buy tickets!")
	case event.OpenTournament:
		b.WriteString("Triple Triad Open Tournament signups are open!")
	case event.UserReminder:
		if user, _ := r.Extra["user_id"].(string); user != "" {
			fmt.Fprintf(&b, "<@%s> ", user)
		}
		msg, _ := r.Extra["message"].(string)
		if msg == "" {
			msg = "You asked to be reminded, but I lost the note. Sorry!"
		}
		b.WriteString(msg)
	default:
		fmt.Fprintf(&b, "Event %q fired.", kind)
	}
	return b.String()
}
