// Package conversation assembles the size-bounded history sent along with
// each generation request.
package conversation

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"whatsapp-agent/internal/domain"
)

// Sizes are counted in characters (runes) everywhere in this package.
const (
	DefaultBudget          = 8000
	DefaultSystemReserve   = 1500
	DefaultResponseReserve = 2000
	DefaultHistoryLimit    = 50
	defaultFetchTimeout    = 15 * time.Second
)

// HistoryReader is the read side of the conversation store.
type HistoryReader interface {
	GetHistory(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error)
}

type Config struct {
	// Budget caps system instructions + history + current message + response.
	Budget          int
	SystemReserve   int
	ResponseReserve int
	// HistoryLimit caps how many stored turns are fetched.
	HistoryLimit int
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.SystemReserve < 0 {
		c.SystemReserve = 0
	}
	if c.ResponseReserve < 0 {
		c.ResponseReserve = 0
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	return c
}

type Assembler struct {
	store HistoryReader
	cfg   Config
	log   *slog.Logger
}

func NewAssembler(store HistoryReader, cfg Config, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{store: store, cfg: cfg.withDefaults(), log: log}
}

// Size is the unit every budget in this package is measured in.
func Size(s string) int {
	return utf8.RuneCountInString(s)
}

// Available is the history budget left once the reserves and the current
// message are accounted for. It may be zero or negative.
func (a *Assembler) Available(current string) int {
	return a.cfg.Budget - a.cfg.SystemReserve - a.cfg.ResponseReserve - Size(current)
}

// Assemble returns the most recent history turns for userID that fit the
// budget, oldest first. current is the turn being answered; it is sent on its
// own, so its stored copy is left out of the history. A failed fetch degrades
// to an empty context.
func (a *Assembler) Assemble(ctx context.Context, userID string, current domain.ConversationTurn) domain.TrimmedContext {
	available := a.Available(current.Content)
	if available <= 0 {
		a.log.Debug("conversation: current message exhausts budget", "user_id", userID, "size", Size(current.Content))
		return domain.TrimmedContext{}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	history, err := a.store.GetHistory(fetchCtx, userID, a.cfg.HistoryLimit)
	if err != nil {
		a.log.Warn("conversation: history fetch failed, continuing without context", "user_id", userID, "err", err)
		return domain.TrimmedContext{}
	}

	valid := lo.Filter(history, func(t domain.ConversationTurn, i int) bool {
		if isCurrent(t, current) {
			return false
		}
		if t.Timestamp.IsZero() || strings.TrimSpace(t.Content) == "" {
			a.log.Warn("conversation: dropping incomplete history entry", "user_id", userID, "index", i)
			return false
		}
		return true
	})
	slices.SortStableFunc(valid, func(x, y domain.ConversationTurn) int {
		return cmp.Compare(x.Timestamp.UnixNano(), y.Timestamp.UnixNano())
	})

	return Trim(valid, available)
}

// isCurrent matches the stored copy of the turn being answered: by event id
// when both carry one, otherwise by time and content.
func isCurrent(t, current domain.ConversationTurn) bool {
	if t.Speaker != domain.SpeakerUser {
		return false
	}
	if t.EventID != "" && current.EventID != "" {
		return t.EventID == current.EventID
	}
	return !current.Timestamp.IsZero() && t.Timestamp.Equal(current.Timestamp) && t.Content == current.Content
}

// Trim keeps the longest suffix of turns whose combined size fits available.
// turns must be in chronological order; the result is too.
func Trim(turns []domain.ConversationTurn, available int) domain.TrimmedContext {
	if available <= 0 || len(turns) == 0 {
		return domain.TrimmedContext{}
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		size := Size(turns[i].Content)
		if used+size > available {
			break
		}
		used += size
		start = i
	}
	out := make(domain.TrimmedContext, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// TotalSize sums the content sizes of a context.
func TotalSize(turns domain.TrimmedContext) int {
	return lo.SumBy([]domain.ConversationTurn(turns), func(t domain.ConversationTurn) int { return Size(t.Content) })
}
