package dcconfig

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/tg"
	"go.mau.fi/util/exsync"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// ErrConfigUnavailable is returned by Wait when every known DC was tried
// MaxRounds times without an answer.
var ErrConfigUnavailable = errors.New("config unavailable")

// State of Loader.
type State int

const (
	StateIdle State = iota
	StateLoading
)

func (s State) String() string {
	if s == StateLoading {
		return "loading"
	}
	return "idle"
}

// Client sends requests on behalf of Loader.
type Client interface {
	// Send registers handlers and queues input on session of dc.
	Send(dc dcs.ShiftedDC, input bin.Encoder, done rpc.DoneHandler, fail rpc.FailHandler) (session.RequestID, error)
	Cancel(id session.RequestID)
	KillSession(dc dcs.ShiftedDC)
	// Restart reconnects every session of bare dc.
	Restart(dc int)
}

// Options of Loader.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock
	Client Client
	Table  *Table
	// MainDC returns DC asked first.
	MainDC func() int
	// EnumTimeout is how long to wait for one DC before asking the next one.
	EnumTimeout time.Duration
	// MaxRounds limits full rounds over known DCs. Zero is unlimited.
	MaxRounds int
	// OnChange is called with ids of DCs whose addresses changed.
	OnChange func(changed []int)
}

func (opt *Options) setDefaults() {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Clock == nil {
		opt.Clock = clock.System
	}
	if opt.Table == nil {
		opt.Table = NewTable(nil)
	}
	if opt.MainDC == nil {
		opt.MainDC = func() int { return dcs.DefaultMainDC }
	}
	if opt.EnumTimeout == 0 {
		opt.EnumTimeout = 8 * time.Second
	}
	if opt.OnChange == nil {
		opt.OnChange = func([]int) {}
	}
}

// Loader fetches help.getConfig from the main DC, falling back to other
// known DCs one by one while no answer arrives.
type Loader struct {
	rpc.Sender

	log      *zap.Logger
	clock    clock.Clock
	client   Client
	table    *Table
	mainDC   func() int
	timeout  time.Duration
	rounds   int
	onChange func(changed []int)

	config AtomicConfig
	loaded *exsync.Event

	mux      sync.Mutex
	state    State
	closed   bool
	mainReq  session.RequestID
	enumReq  session.RequestID
	enumDC   int
	attempts int
	stop     chan struct{}
	settled  chan struct{}
	err      error
}

// NewLoader creates new Loader. Client is required.
func NewLoader(opt Options) *Loader {
	opt.setDefaults()
	return &Loader{
		log:      opt.Logger.Named("config"),
		clock:    opt.Clock,
		client:   opt.Client,
		table:    opt.Table,
		mainDC:   opt.MainDC,
		timeout:  opt.EnumTimeout,
		rounds:   opt.MaxRounds,
		onChange: opt.OnChange,
		loaded:   exsync.NewEvent(),
		settled:  make(chan struct{}),
	}
}

// Table returns DC address table.
func (l *Loader) Table() *Table {
	return l.table
}

// State returns current state.
func (l *Loader) State() State {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.state
}

// Config returns last loaded config.
func (l *Loader) Config() (tg.Config, bool) {
	return l.config.Load()
}

// Loaded reports whether config was loaded at least once.
func (l *Loader) Loaded() bool {
	return l.loaded.IsSet()
}

// Wait blocks until config is loaded or loading gave up.
func (l *Loader) Wait(ctx context.Context) error {
	if l.loaded.IsSet() {
		return nil
	}
	l.mux.Lock()
	settled := l.settled
	l.mux.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settled:
	}
	if l.loaded.IsSet() {
		return nil
	}
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.err
}

// Load starts loading config unless it is already in progress.
func (l *Loader) Load() {
	l.mux.Lock()
	if l.closed || l.state == StateLoading {
		l.mux.Unlock()
		return
	}
	l.state = StateLoading
	l.attempts = 1
	l.enumDC = 0
	l.err = nil
	select {
	case <-l.settled:
		l.settled = make(chan struct{})
	default:
	}
	main := l.mainDC()
	l.armLocked()
	l.mux.Unlock()

	l.log.Debug("Loading config", zap.Int("dc", main))
	id, err := l.request(dcs.Shift(main, 0))
	if err != nil {
		l.log.Warn("Failed to request config", zap.Int("dc", main), zap.Error(err))
		return
	}
	l.mux.Lock()
	if l.state == StateLoading {
		l.mainReq = id
	}
	l.mux.Unlock()
}

// OnUpdateConfig handles updateConfig push.
func (l *Loader) OnUpdateConfig() {
	l.Load()
}

// OnUpdateDCOptions merges pushed options, restarting DCs that got new
// addresses.
func (l *Loader) OnUpdateDCOptions(opts []tg.DCOption) {
	changed := l.table.AddFromList(FromTL(opts))
	if len(changed) == 0 {
		return
	}
	l.log.Info("DC options updated", zap.Ints("changed", changed))
	l.restart(changed)
}

// Close stops loading and unregisters every handler.
func (l *Loader) Close() {
	l.Invalidate()

	l.mux.Lock()
	l.closed = true
	l.state = StateIdle
	l.stopLocked()
	main, enum, enumDC := l.takeRequestsLocked()
	l.mux.Unlock()

	l.cancel(main, enum, enumDC)
}

func (l *Loader) request(dc dcs.ShiftedDC) (session.RequestID, error) {
	return l.client.Send(dc, &tg.HelpGetConfigRequest{},
		rpc.OwnedDone[tg.Config](&l.Sender, l.done),
		rpc.OwnedFail(&l.Sender, func(err *rpcerr.Error) bool {
			return l.fail(dc, err)
		}),
	)
}

func (l *Loader) armLocked() {
	l.stopLocked()
	stop := make(chan struct{})
	l.stop = stop
	timer := l.clock.Timer(l.timeout)
	go func() {
		select {
		case <-timer.C():
			l.enumerate(stop)
		case <-stop:
			timer.Stop()
		}
	}()
}

func (l *Loader) stopLocked() {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

func (l *Loader) takeRequestsLocked() (main, enum session.RequestID, enumDC int) {
	main, enum, enumDC = l.mainReq, l.enumReq, l.enumDC
	l.mainReq, l.enumReq, l.enumDC = session.RequestID{}, session.RequestID{}, 0
	return main, enum, enumDC
}

func (l *Loader) cancel(main, enum session.RequestID, enumDC int) {
	for _, id := range []session.RequestID{main, enum} {
		if !id.IsZero() {
			l.client.Cancel(id)
		}
	}
	if enumDC != 0 {
		l.client.KillSession(dcs.Shift(enumDC, dcs.ConfigShift))
	}
}

func (l *Loader) known() []int {
	known := l.table.KnownDCs()
	if main := l.mainDC(); !slices.Contains(known, main) {
		known = append(known, main)
		slices.Sort(known)
	}
	return known
}

// nextDC returns first DC after cur, wrapping around.
func nextDC(known []int, cur int) int {
	for _, dc := range known {
		if dc > cur {
			return dc
		}
	}
	return known[0]
}

func (l *Loader) enumerate(stop chan struct{}) {
	known := l.known()

	l.mux.Lock()
	if l.stop != stop || l.state != StateLoading {
		l.mux.Unlock()
		return
	}
	if l.rounds > 0 && l.attempts >= l.rounds*len(known) {
		l.state = StateIdle
		l.err = ErrConfigUnavailable
		l.stopLocked()
		close(l.settled)
		main, enum, enumDC := l.takeRequestsLocked()
		attempts := l.attempts
		l.mux.Unlock()

		l.cancel(main, enum, enumDC)
		l.log.Error("Giving up loading config", zap.Int("attempts", attempts), zap.Ints("dcs", known))
		return
	}

	prev, prevDC := l.enumReq, l.enumDC
	cur := prevDC
	if cur == 0 {
		cur = l.mainDC()
	}
	next := nextDC(known, cur)
	l.enumReq = session.RequestID{}
	l.enumDC = next
	l.attempts++
	l.armLocked()
	l.mux.Unlock()

	if !prev.IsZero() {
		l.client.Cancel(prev)
	}
	if prevDC != 0 && prevDC != next {
		l.client.KillSession(dcs.Shift(prevDC, dcs.ConfigShift))
	}

	l.log.Debug("Config timeout, trying next DC", zap.Int("dc", next))
	id, err := l.request(dcs.Shift(next, dcs.ConfigShift))
	if err != nil {
		l.log.Warn("Failed to request config", zap.Int("dc", next), zap.Error(err))
		return
	}
	l.mux.Lock()
	if l.state == StateLoading && l.enumDC == next {
		l.enumReq = id
	}
	l.mux.Unlock()
}

func (l *Loader) done(cfg *tg.Config) {
	l.mux.Lock()
	l.state = StateIdle
	l.err = nil
	l.stopLocked()
	main, enum, enumDC := l.takeRequestsLocked()
	select {
	case <-l.settled:
	default:
		close(l.settled)
	}
	l.mux.Unlock()

	l.cancel(main, enum, enumDC)
	changed := l.table.SetFromList(FromTL(cfg.DCOptions))
	l.config.Store(*cfg)
	l.loaded.Set()
	l.log.Info("Config loaded",
		zap.Int("this_dc", cfg.ThisDC),
		zap.Int("options", len(cfg.DCOptions)),
		zap.Ints("changed", changed),
	)
	if len(changed) > 0 {
		l.restart(changed)
	}
}

func (l *Loader) restart(changed []int) {
	for _, dc := range changed {
		l.client.Restart(dc)
	}
	l.onChange(changed)
}

// fail returns false for errors that the enumeration timer retries.
func (l *Loader) fail(dc dcs.ShiftedDC, err *rpcerr.Error) bool {
	if err.IsFlood() || err.Code >= 500 || err.Code < 0 {
		l.log.Debug("Config request failed, will retry", zap.Stringer("dc", dc), zap.Error(err))
		return false
	}
	l.log.Warn("Config request failed", zap.Stringer("dc", dc), zap.Error(err))
	return true
}
