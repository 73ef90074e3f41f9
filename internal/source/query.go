package source

import (
	"strings"
	"time"

	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/mapping"
)

// Aliases of the cursor columns added to every batch query. They are
// stripped from the rows handed to the transform engine.
const (
	pkAlias        = "__sync_pk"
	watermarkAlias = "__sync_wm"
)

// Window clamps timestamp-watermarked entities to [From, To).
type Window struct {
	From *time.Time
	To   *time.Time
}

// params collects bind parameters, reusing the marker when a name repeats.
type params struct {
	d       Dialect
	args    []any
	markers map[string]string
}

func (p *params) add(name string, v any) string {
	if m, ok := p.markers[name]; ok {
		return m
	}
	marker, arg := p.d.Placeholder(len(p.args)+1, name, v)
	p.args = append(p.args, arg)
	p.markers[name] = marker
	return marker
}

// watermarkSQL is the SQL the timestamp strategy orders and filters by.
func watermarkSQL(d Dialect, w mapping.Watermark) string {
	if w.Expression != "" {
		return "(" + w.Expression + ")"
	}
	return d.QuoteIdentifier(w.Column)
}

// BuildBatchQuery returns the next-batch query for m after cursor c.
//
// pk strategy:        pk > @cursorPk ORDER BY pk
// timestamp strategy: wm IS NOT NULL AND (wm > @cursorWm OR (wm = @cursorWm AND pk > @cursorPk))
//
//	[AND wm >= @fromWm] [AND wm < @toWm] ORDER BY wm, pk
//
// A fresh cursor drops the cursor predicate. The mapping's where clause is
// ANDed in.
func BuildBatchQuery(d Dialect, m *mapping.Mapping, w Window, c checkpoint.Cursor, limit int) (string, []any) {
	p := &params{d: d, markers: make(map[string]string)}
	src := m.Source
	pk := d.QuoteIdentifier(src.PK)
	timestamp := src.Watermark.IsTimestamp()

	cols := make([]string, 0, len(src.Select)+2)
	if len(src.Select) == 0 {
		cols = append(cols, "*")
	}
	for _, s := range src.Select {
		cols = append(cols, s.Expr+" AS "+d.QuoteIdentifier(s.As))
	}
	cols = append(cols, pk+" AS "+d.QuoteIdentifier(pkAlias))

	var conds, order []string
	if timestamp {
		wm := watermarkSQL(d, src.Watermark)
		cols = append(cols, wm+" AS "+d.QuoteIdentifier(watermarkAlias))
		conds = append(conds, wm+" IS NOT NULL")
		if c.LastWatermark != nil {
			cw := p.add("cursorWm", d.BindTime(*c.LastWatermark, src.Watermark.SQLType))
			if c.LastPK != nil {
				cp := p.add("cursorPk", c.LastPK)
				conds = append(conds, "("+wm+" > "+cw+" OR ("+wm+" = "+cw+" AND "+pk+" > "+cp+"))")
			} else {
				conds = append(conds, wm+" > "+cw)
			}
		}
		if w.From != nil {
			conds = append(conds, wm+" >= "+p.add("fromWm", d.BindTime(*w.From, src.Watermark.SQLType)))
		}
		if w.To != nil {
			conds = append(conds, wm+" < "+p.add("toWm", d.BindTime(*w.To, src.Watermark.SQLType)))
		}
		order = append(order, wm+" ASC")
	} else if c.LastPK != nil {
		conds = append(conds, pk+" > "+p.add("cursorPk", c.LastPK))
	}
	order = append(order, pk+" ASC")

	if strings.TrimSpace(src.Where) != "" {
		conds = append(conds, "("+src.Where+")")
	}

	rest := "FROM " + d.QualifyTable(src.Schema, src.Table)
	if len(conds) > 0 {
		rest += " WHERE " + strings.Join(conds, " AND ")
	}
	rest += " ORDER BY " + strings.Join(order, ", ")

	limitMarker := p.add("limit", limit)
	return d.Limit(strings.Join(cols, ", "), rest, limitMarker), p.args
}
