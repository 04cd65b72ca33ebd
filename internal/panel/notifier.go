package panel

import (
	"context"
	"expvar"
	"log"
	"sync"
	"time"

	"centralmed/flow-service/internal/models"
)

var (
	pollsTotal = expvar.NewInt("panel_polls_total")
	callsTotal = expvar.NewInt("panel_calls_total")
)

const DefaultHistorySize = 3

type Source interface {
	LatestCall(ctx context.Context) (models.CalledTicket, bool, error)
}

// Chime is the audible cue fired exactly once per new call. Playback
// failure never propagates; the panel keeps running without sound.
type Chime interface {
	Play() error
}

type ChimeFunc func() error

func (f ChimeFunc) Play() error { return f() }

// Notifier tracks the currently called ticket from a polled source. A poll
// result only counts as a new call when its CallID differs from the one on
// display; re-fetches of the same call are ignored.
type Notifier struct {
	source      Source
	chime       Chime
	broadcast   func(models.CalledTicket)
	historySize int

	mu      sync.RWMutex
	current *models.CalledTicket
	history []models.CalledTicket
}

type Options struct {
	Chime       Chime
	HistorySize int
	// Broadcast, when set, is invoked after the panel switches to a new
	// call. It runs on the poll goroutine.
	Broadcast func(models.CalledTicket)
}

func NewNotifier(source Source, options Options) *Notifier {
	size := options.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Notifier{
		source:      source,
		chime:       options.Chime,
		broadcast:   options.Broadcast,
		historySize: size,
	}
}

func (n *Notifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.poll(ctx)
		}
	}
}

func (n *Notifier) poll(ctx context.Context) {
	next, ok, err := n.source.LatestCall(ctx)
	if err != nil {
		log.Printf("panel poll error: %v", err)
		return
	}
	pollsTotal.Add(1)
	n.Observe(next, ok)
}

// Observe applies one poll result. On a change of call identity the
// previous call moves to the front of the history and the chime fires. The
// very first call after startup shows silently: there is nothing to archive
// and no cue is played for it.
func (n *Notifier) Observe(next models.CalledTicket, ok bool) {
	if !ok || next.CallID == "" {
		return
	}

	n.mu.Lock()
	if n.current != nil && n.current.CallID == next.CallID {
		n.mu.Unlock()
		return
	}
	first := n.current == nil
	if !first {
		n.history = append([]models.CalledTicket{*n.current}, n.history...)
		if len(n.history) > n.historySize {
			n.history = n.history[:n.historySize]
		}
	}
	if next.ObservedAt.IsZero() {
		next.ObservedAt = time.Now()
	}
	current := next
	n.current = &current
	n.mu.Unlock()

	callsTotal.Add(1)
	if !first && n.chime != nil {
		if err := n.chime.Play(); err != nil {
			log.Printf("panel chime error: %v", err)
		}
	}
	if n.broadcast != nil {
		n.broadcast(next)
	}
}

type State struct {
	Current *models.CalledTicket  `json:"current"`
	History []models.CalledTicket `json:"history"`
}

func (n *Notifier) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	state := State{History: make([]models.CalledTicket, len(n.history))}
	copy(state.History, n.history)
	if n.current != nil {
		current := *n.current
		state.Current = &current
	}
	return state
}
