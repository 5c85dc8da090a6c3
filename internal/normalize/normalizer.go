// Package normalize converts raw feed events into canonical records and
// forwards them to the store. It is the single validation point of the
// ingest path: everything past it is assumed numerically sane.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "tickflow/internal/errors"
	"tickflow/internal/logging"
	"tickflow/internal/market"
	"tickflow/internal/validation"
)

// EventKind discriminates the two raw event payloads.
type EventKind int

const (
	EventTrade EventKind = iota
	EventDepth
)

// RawEvent is a feed event before validation, a union of trade and depth
// payload fields as delivered by a feed adapter.
type RawEvent struct {
	Kind         EventKind
	Symbol       string
	InstrumentID int64
	TimestampUs  int64

	// Trade payload
	LastPrice       float64
	LastQty         float64
	SessionVolume   float64
	BuyQty          float64
	SellQty         float64
	OpenInterest    float64
	SessionOpen     float64
	SessionHigh     float64
	SessionLow      float64
	SessionClose    float64
	LastTradeTimeUs int64

	// Depth payload, best level first on both sides.
	Bids []market.BookLevel
	Asks []market.BookLevel
}

// Appender is the downstream write interface, satisfied by *store.Store.
type Appender interface {
	Append(rec market.Record) error
}

// Stats is a snapshot of normalizer counters. Rejections are broken out per
// reason so data-quality regressions in a feed are attributable.
type Stats struct {
	TicksAccepted  uint64
	DepthsAccepted uint64

	MissingField     uint64
	NegativeQuantity uint64
	VolumeRegression uint64
	StaleTimestamp   uint64
	MalformedDepth   uint64

	DuplicatesIgnored uint64
	OutOfOrderDropped uint64
	StorageRetries    uint64
}

// Rejected returns the total rejection count across reasons.
func (s Stats) Rejected() uint64 {
	return s.MissingField + s.NegativeQuantity + s.VolumeRegression +
		s.StaleTimestamp + s.MalformedDepth
}

// symbolState carries the per-instrument history the validation rules need.
type symbolState struct {
	sessionStartUs int64 // UTC day start of the newest accepted event
	lastVolume     float64
	newestTs       int64
}

// Normalizer validates raw events and forwards canonical records.
type Normalizer struct {
	store Appender
	log   *slog.Logger

	mu    sync.Mutex
	state map[string]*symbolState

	// Backoff bounds for storage retry; overridable in tests.
	retryMin time.Duration
	retryMax time.Duration

	ticksAccepted    atomic.Uint64
	depthsAccepted   atomic.Uint64
	missingField     atomic.Uint64
	negativeQuantity atomic.Uint64
	volumeRegression atomic.Uint64
	staleTimestamp   atomic.Uint64
	malformedDepth   atomic.Uint64
	duplicates       atomic.Uint64
	outOfOrder       atomic.Uint64
	storageRetries   atomic.Uint64
}

// New creates a normalizer forwarding to the given store.
func New(store Appender) *Normalizer {
	return &Normalizer{
		store:    store,
		log:      logging.Component("normalize"),
		state:    map[string]*symbolState{},
		retryMin: 100 * time.Millisecond,
		retryMax: 5 * time.Second,
	}
}

// Ingest validates one raw event and forwards the canonical record. A
// validation failure is counted, logged at debug, and returned; the caller
// may drop it. Duplicates and out-of-order events are dropped silently
// (counted) since both are expected feed behavior. A storage failure is
// retried with exponential backoff until ctx is done.
func (n *Normalizer) Ingest(ctx context.Context, ev *RawEvent) error {
	rec, err := n.normalize(ev)
	if err != nil {
		n.log.Debug("event rejected",
			"symbol", ev.Symbol,
			"kind", ev.Kind,
			"ts_us", ev.TimestampUs,
			"reason", err)
		return err
	}

	if err := n.forward(ctx, rec); err != nil {
		return err
	}

	switch ev.Kind {
	case EventTrade:
		n.ticksAccepted.Add(1)
	case EventDepth:
		n.depthsAccepted.Add(1)
	}
	return nil
}

// normalize validates and converts without side effects on storage.
func (n *Normalizer) normalize(ev *RawEvent) (market.Record, error) {
	if ev.Symbol == "" {
		n.missingField.Add(1)
		return nil, fmt.Errorf("%w: symbol", xerrors.ErrMissingField)
	}
	if err := validation.ValidateSymbol(ev.Symbol); err != nil {
		n.missingField.Add(1)
		return nil, err
	}
	if ev.TimestampUs <= 0 {
		n.missingField.Add(1)
		return nil, fmt.Errorf("%w: timestamp", xerrors.ErrMissingField)
	}

	var (
		rec market.Record
		err error
	)
	switch ev.Kind {
	case EventTrade:
		rec, err = n.normalizeTrade(ev)
	case EventDepth:
		rec, err = n.normalizeDepth(ev)
	default:
		n.missingField.Add(1)
		return nil, fmt.Errorf("%w: unknown event kind %d", xerrors.ErrMissingField, ev.Kind)
	}
	if err != nil {
		return nil, err
	}

	// Session checks mutate per-symbol state, so they run only once the
	// payload itself is known to be sane.
	if err := n.checkSession(ev); err != nil {
		return nil, err
	}
	return rec, nil
}

// checkSession enforces the stale-timestamp and volume-regression rules,
// both scoped to the instrument's current UTC session.
func (n *Normalizer) checkSession(ev *RawEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.state[ev.Symbol]
	if !ok {
		st = &symbolState{}
		n.state[ev.Symbol] = st
	}

	sessionStart := market.TruncateToPartition(ev.TimestampUs)
	if st.newestTs != 0 && sessionStart < st.sessionStartUs {
		n.staleTimestamp.Add(1)
		return fmt.Errorf("%w: %s ts=%d before session start %d",
			xerrors.ErrStaleTimestamp, ev.Symbol, ev.TimestampUs, st.sessionStartUs)
	}

	if ev.Kind == EventTrade {
		if sessionStart == st.sessionStartUs && ev.SessionVolume < st.lastVolume {
			n.volumeRegression.Add(1)
			return fmt.Errorf("%w: %s volume %v < %v",
				xerrors.ErrVolumeRegression, ev.Symbol, ev.SessionVolume, st.lastVolume)
		}
		st.lastVolume = ev.SessionVolume
	}

	st.sessionStartUs = sessionStart
	if ev.TimestampUs > st.newestTs {
		st.newestTs = ev.TimestampUs
	}
	return nil
}

func (n *Normalizer) normalizeTrade(ev *RawEvent) (market.Record, error) {
	if ev.LastPrice <= 0 {
		n.missingField.Add(1)
		return nil, fmt.Errorf("%w: last price", xerrors.ErrMissingField)
	}
	for _, q := range []float64{ev.LastQty, ev.SessionVolume, ev.BuyQty, ev.SellQty, ev.OpenInterest} {
		if q < 0 {
			n.negativeQuantity.Add(1)
			return nil, fmt.Errorf("%w: %s", xerrors.ErrNegativeQuantity, ev.Symbol)
		}
	}

	return &market.Tick{
		TimestampUs:     ev.TimestampUs,
		InstrumentID:    ev.InstrumentID,
		Symbol:          ev.Symbol,
		LastPrice:       ev.LastPrice,
		LastQty:         ev.LastQty,
		SessionVolume:   ev.SessionVolume,
		BuyQty:          ev.BuyQty,
		SellQty:         ev.SellQty,
		OpenInterest:    ev.OpenInterest,
		SessionOpen:     ev.SessionOpen,
		SessionHigh:     ev.SessionHigh,
		SessionLow:      ev.SessionLow,
		SessionClose:    ev.SessionClose,
		LastTradeTimeUs: ev.LastTradeTimeUs,
	}, nil
}

func (n *Normalizer) normalizeDepth(ev *RawEvent) (market.Record, error) {
	for _, side := range [][]market.BookLevel{ev.Bids, ev.Asks} {
		if len(side) < 1 || len(side) > market.MaxDepthLevels {
			n.malformedDepth.Add(1)
			return nil, fmt.Errorf("%w: %s has %d levels", xerrors.ErrMalformedDepth, ev.Symbol, len(side))
		}
		for _, l := range side {
			if l.Qty < 0 || l.Price <= 0 {
				n.negativeQuantity.Add(1)
				return nil, fmt.Errorf("%w: %s book level", xerrors.ErrNegativeQuantity, ev.Symbol)
			}
		}
	}
	// Bids best (highest) first, asks best (lowest) first.
	for i := 1; i < len(ev.Bids); i++ {
		if ev.Bids[i].Price >= ev.Bids[i-1].Price {
			n.malformedDepth.Add(1)
			return nil, fmt.Errorf("%w: %s bids unordered", xerrors.ErrMalformedDepth, ev.Symbol)
		}
	}
	for i := 1; i < len(ev.Asks); i++ {
		if ev.Asks[i].Price <= ev.Asks[i-1].Price {
			n.malformedDepth.Add(1)
			return nil, fmt.Errorf("%w: %s asks unordered", xerrors.ErrMalformedDepth, ev.Symbol)
		}
	}

	d := &market.DepthSnapshot{
		TimestampUs:  ev.TimestampUs,
		InstrumentID: ev.InstrumentID,
		Symbol:       ev.Symbol,
		Bids:         append([]market.BookLevel(nil), ev.Bids...),
		Asks:         append([]market.BookLevel(nil), ev.Asks...),
	}
	d.Spread = ev.Asks[0].Price - ev.Bids[0].Price
	for _, l := range d.Bids {
		d.TotalBidQty += l.Qty
	}
	for _, l := range d.Asks {
		d.TotalAskQty += l.Qty
	}
	if top := d.Bids[0].Qty + d.Asks[0].Qty; top > 0 {
		d.TopImbalance = (d.Bids[0].Qty - d.Asks[0].Qty) / top
	}
	return d, nil
}

// forward appends with exponential backoff on storage failure. Duplicate
// and out-of-order results are absorbed here: both are expected from a
// "mostly in order" feed and must not surface as ingest errors.
func (n *Normalizer) forward(ctx context.Context, rec market.Record) error {
	backoff := n.retryMin
	for {
		err := n.store.Append(rec)
		switch {
		case err == nil:
			return nil
		case xerrors.IsDuplicate(err):
			n.duplicates.Add(1)
			return nil
		case xerrors.IsOutOfOrder(err):
			n.outOfOrder.Add(1)
			return nil
		case xerrors.IsStorageUnavailable(err):
			n.storageRetries.Add(1)
			n.log.Warn("storage unavailable, retrying",
				"symbol", rec.Sym(),
				"class", rec.Class().String(),
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > n.retryMax {
				backoff = n.retryMax
			}
		default:
			return err
		}
	}
}

// Stats returns a snapshot of normalizer counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		TicksAccepted:     n.ticksAccepted.Load(),
		DepthsAccepted:    n.depthsAccepted.Load(),
		MissingField:      n.missingField.Load(),
		NegativeQuantity:  n.negativeQuantity.Load(),
		VolumeRegression:  n.volumeRegression.Load(),
		StaleTimestamp:    n.staleTimestamp.Load(),
		MalformedDepth:    n.malformedDepth.Load(),
		DuplicatesIgnored: n.duplicates.Load(),
		OutOfOrderDropped: n.outOfOrder.Load(),
		StorageRetries:    n.storageRetries.Load(),
	}
}
