/*
projection.go - Current stock with conditional reads

PURPOSE:
  Answers "what is the stock of product P" and lets clients skip the answer
  when nothing changed since their last read.

VERSION TAGS:
  The tag is a weak validator derived from the latest movement id:

    W/"42"

  Movements are immutable and ids only grow, so any new movement for the
  product changes the tag. Equal tags mean "no movement added since", which
  is all a conditional read needs.

CONSISTENCY:
  The marker and the aggregate are read inside one WithSnapshot call. Reading
  them in separate transactions could pair a fresh aggregate with an old
  tag (or the reverse) when a write lands in between.
*/
package ledger

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// VERSION TAG
// =============================================================================

type VersionTag string

func NewVersionTag(id MovementID) VersionTag {
	return VersionTag(`W/"` + strconv.FormatInt(int64(id), 10) + `"`)
}

func (t VersionTag) String() string { return string(t) }

// Matches reports whether an If-None-Match style header value matches the
// tag under weak comparison. The header may list several tags separated by
// commas, or be "*".
func (t VersionTag) Matches(header string) bool {
	header = strings.TrimSpace(header)
	if header == "" || t == "" {
		return false
	}
	if header == "*" {
		return true
	}
	want := opaque(string(t))
	for _, candidate := range strings.Split(header, ",") {
		if opaque(candidate) == want {
			return true
		}
	}
	return false
}

// opaque strips the weakness indicator so W/"1" and "1" compare equal.
func opaque(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return tag
}

// =============================================================================
// PROJECTOR
// =============================================================================

// Projection is the result of a stock read. When NotModified is true,
// CurrentStock is not computed and must not be sent.
type Projection struct {
	ProductID    ProductID
	CurrentStock int64
	Version      VersionTag
	NotModified  bool
}

type Projector struct {
	store  TxStore
	cache  StockCache
	logger *zap.Logger
}

type ProjectorOption func(*Projector)

// WithStockCache consults cache before folding the ledger.
func WithStockCache(cache StockCache) ProjectorOption {
	return func(p *Projector) { p.cache = cache }
}

func WithProjectorLogger(logger *zap.Logger) ProjectorOption {
	return func(p *Projector) { p.logger = logger }
}

func NewProjector(store TxStore, opts ...ProjectorOption) *Projector {
	p := &Projector{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetStock returns ErrProductNotFound for products with no history, a
// NotModified projection when clientTag matches, and the folded stock
// otherwise. Ids that could never be appended have no history either.
func (p *Projector) GetStock(ctx context.Context, productID ProductID, clientTag string) (Projection, error) {
	if ValidateProductID(productID) != nil {
		return Projection{}, ErrProductNotFound
	}

	var proj Projection
	err := p.store.WithSnapshot(ctx, func(tx Store) error {
		l := NewLedger(tx)

		latest, ok, err := l.LatestMovementID(ctx, productID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrProductNotFound
		}

		proj = Projection{ProductID: productID, Version: NewVersionTag(latest)}
		if proj.Version.Matches(clientTag) {
			proj.NotModified = true
			return nil
		}

		if stock, hit := p.cachedStock(ctx, productID, latest); hit {
			proj.CurrentStock = stock
			return nil
		}

		stock, err := l.CurrentStock(ctx, productID)
		if err != nil {
			return err
		}
		proj.CurrentStock = stock
		p.storeStock(ctx, productID, latest, stock)
		return nil
	})
	if err != nil {
		return Projection{}, err
	}
	return proj, nil
}

func (p *Projector) cachedStock(ctx context.Context, productID ProductID, version MovementID) (int64, bool) {
	if p.cache == nil {
		return 0, false
	}
	stock, ok, err := p.cache.GetStock(ctx, productID, version)
	if err != nil {
		p.logger.Warn("stock cache read failed", zap.String("product_id", string(productID)), zap.Error(err))
		return 0, false
	}
	return stock, ok
}

func (p *Projector) storeStock(ctx context.Context, productID ProductID, version MovementID, stock int64) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetStock(ctx, productID, version, stock); err != nil {
		p.logger.Warn("stock cache write failed", zap.String("product_id", string(productID)), zap.Error(err))
	}
}
