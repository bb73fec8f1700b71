// Package world owns the tick loop: it drives the streaming manager, applies
// network edits and churn, and feeds every subscribed observer the cells it
// needs. All mutable state is touched only by the goroutine running Run.
package world

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"citystream.ai/internal/persistence/cellstore"
	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/mutation"
	"citystream.ai/internal/sim/world/stream"
)

type Config struct {
	ID         string
	TickRateHz int

	Stream         stream.Config
	RebaseDistance float32

	ChurnRate   float64
	ChurnRadius int

	// ArchetypeDigest is echoed in WELCOME so clients can verify their
	// catalog.
	ArchetypeDigest string

	// StatsWindowTicks bounds the rolling window reported by Metrics.
	StatsWindowTicks uint64
}

type TickLogEntry struct {
	Tick      uint64        `json:"tick"`
	Observers int           `json:"observers"`
	Resident  int           `json:"resident"`
	Joins     []string      `json:"joins,omitempty"`
	Leaves    []string      `json:"leaves,omitempty"`
	Loaded    []cells.Key   `json:"loaded,omitempty"`
	Generated []cells.Key   `json:"generated,omitempty"`
	Evicted   []cells.Key   `json:"evicted,omitempty"`
	Shift     *[3]float64   `json:"shift,omitempty"`
	Churned   int           `json:"churned,omitempty"`
	Mutations MutationCount `json:"mutations"`
}

type MutationCount struct {
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

// MutationLogEntry journals one applied or rejected network edit.
type MutationLogEntry struct {
	Tick        uint64  `json:"tick"`
	CX          int     `json:"cx"`
	CZ          int     `json:"cz"`
	Index       uint32  `json:"index"`
	ArchetypeID uint16  `json:"archetype_id"`
	Jitter      float32 `json:"jitter"`
	Reason      string  `json:"reason,omitempty"`
}

// BakeEntry describes one cell entering the resident set.
type BakeEntry struct {
	Tick       uint64 `json:"tick"`
	CX         int    `json:"cx"`
	CZ         int    `json:"cz"`
	Placements int    `json:"placements"`
	Digest     string `json:"digest"`
	Source     string `json:"source"` // "designed" | "store"
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type MutationLogger interface {
	WriteMutation(entry MutationLogEntry) error
}

// BakeRecorder must not block the tick.
type BakeRecorder interface {
	RecordBake(entry BakeEntry)
}

type JoinRequest struct {
	ID string
	// X, Z are absolute world coordinates.
	X, Z float32
	Out  chan []byte
	// Resp is replaced by Subscribe with its own buffered channel.
	Resp chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Err     *protocol.ErrorMsg
}

// MoveRequest positions are local to the origin last announced to the
// observer.
type MoveRequest struct {
	ID   string
	X, Z float32
}

var ErrClosed = errors.New("world: closed")

type World struct {
	cfg      Config
	mgr      *stream.Manager
	designer design.Designer
	reg      design.Registry
	ingest   *mutation.Ingest

	log            *log.Logger
	tickLogger     TickLogger
	mutationLogger MutationLogger
	bakeRecorder   BakeRecorder

	tick atomic.Uint64

	join  chan JoinRequest
	leave chan string
	move  chan MoveRequest
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	subs         map[string]*subscriber
	pendingMoves map[string]MoveRequest
	pendingJoins []string
	pendingLeave []string
	pendingEvict []cells.Key

	stats   *Stats
	metrics atomic.Pointer[Metrics]
}

// New wires a world around a store. A nil ingest gets a private queue; a nil
// store keeps nothing.
func New(cfg Config, store cellstore.Store, d design.Designer, reg design.Registry, in *mutation.Ingest, logger *log.Logger) (*World, error) {
	if d == nil || reg == nil {
		return nil, errors.New("world: designer and registry are required")
	}
	if err := cfg.Stream.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.StatsWindowTicks == 0 {
		cfg.StatsWindowTicks = uint64(cfg.TickRateHz) * 60
	}
	if in == nil {
		in = mutation.NewIngest(0)
	}
	w := &World{
		cfg:          cfg,
		mgr:          stream.NewManager(cfg.Stream, store, logger),
		designer:     d,
		reg:          reg,
		ingest:       in,
		log:          logger,
		join:         make(chan JoinRequest, 64),
		leave:        make(chan string, 64),
		move:         make(chan MoveRequest, 1024),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		subs:         map[string]*subscriber{},
		pendingMoves: map[string]MoveRequest{},
		stats:        NewStats(uint64(cfg.TickRateHz), cfg.StatsWindowTicks),
	}
	w.metrics.Store(&Metrics{WorldID: cfg.ID})
	return w, nil
}

func (w *World) SetTickLogger(l TickLogger)         { w.tickLogger = l }
func (w *World) SetMutationLogger(l MutationLogger) { w.mutationLogger = l }
func (w *World) SetBakeRecorder(r BakeRecorder)     { w.bakeRecorder = r }

func (w *World) Join() chan<- JoinRequest { return w.join }
func (w *World) Leave() chan<- string     { return w.leave }
func (w *World) Move() chan<- MoveRequest { return w.move }

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

func (w *World) Ingest() *mutation.Ingest { return w.ingest }
func (w *World) CurrentTick() uint64      { return w.tick.Load() }
func (w *World) ID() string               { return w.cfg.ID }

// Subscribe hands req to the tick loop and waits for the answer. A caller
// that gets a Welcome back owns the subscription and must Unsubscribe.
func (w *World) Subscribe(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	// The tick loop never blocks on the reply.
	req.Resp = make(chan JoinResponse, 1)
	select {
	case w.join <- req:
	case <-w.done:
		return JoinResponse{}, ErrClosed
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp, nil
	case <-w.done:
		return JoinResponse{}, ErrClosed
	}
}

func (w *World) Unsubscribe(id string) {
	select {
	case w.leave <- id:
	case <-w.done:
	}
}

func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *World) logf(format string, args ...any) {
	if w.log != nil {
		w.log.Printf(format, args...)
	}
}
