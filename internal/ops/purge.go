package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/packet"
)

// PurgeInput contains parameters for the Purge operation.
type PurgeInput struct {
	// OlderThanDays also deletes emission events (and their outcomes) older
	// than N days. Nil leaves the event log alone.
	OlderThanDays *int
	// AllPackets clears the packet store instead of only expired packets.
	AllPackets bool
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	Packets int    `json:"packets_purged"`
	Events  int    `json:"events_purged"`
	Message string `json:"message"`
}

// Purge removes expired packets and, optionally, old emission events.
func Purge(ctx context.Context, database *sql.DB, cache *packet.Cache, input PurgeInput) (*PurgeOutput, error) {
	if input.OlderThanDays != nil && *input.OlderThanDays < 0 {
		return nil, errors.NewInvalidRequest("older_than_days must not be negative")
	}

	out := &PurgeOutput{}
	if cache != nil {
		var err error
		if input.AllPackets {
			out.Packets, err = cache.Clear(ctx)
		} else {
			out.Packets, err = cache.PurgeExpired(ctx)
		}
		if err != nil {
			return nil, err
		}
	}

	if input.OlderThanDays != nil {
		cutoff := time.Now().AddDate(0, 0, -*input.OlderThanDays)
		n, err := db.DeleteEventsBefore(ctx, database, cutoff)
		if err != nil {
			return nil, err
		}
		out.Events = int(n)
	}

	out.Message = formatPurgeMessage(out, input)
	return out, nil
}

func formatPurgeMessage(out *PurgeOutput, input PurgeInput) string {
	if out.Packets == 0 && out.Events == 0 {
		return "Nothing to purge"
	}
	var parts []string
	if out.Packets > 0 {
		kind := "expired "
		if input.AllPackets {
			kind = ""
		}
		parts = append(parts, fmt.Sprintf("%d %s%s", out.Packets, kind, plural(out.Packets, "packet")))
	}
	if out.Events > 0 {
		parts = append(parts, fmt.Sprintf("%d %s older than %d days",
			out.Events, plural(out.Events, "event"), *input.OlderThanDays))
	}
	return "Deleted " + strings.Join(parts, " and ")
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
