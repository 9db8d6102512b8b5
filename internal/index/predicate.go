package index

import (
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// Predicate selects rows of a segment. Implementations return a fresh bitmap
// the caller may mutate.
type Predicate interface {
	match(seg *Segment) *roaring.Bitmap
}

// Order selects how range bounds compare against indexed values.
type Order int

const (
	// OrderLexical compares strings byte-wise; normalized ISO dates sort correctly.
	OrderLexical Order = iota
	// OrderNumeric parses both sides as decimals. Unparseable values never match.
	OrderNumeric
)

// Bound is one end of a range.
type Bound struct {
	Value     string
	Inclusive bool
}

type allPred struct{}

func (allPred) match(seg *Segment) *roaring.Bitmap { return seg.all.Clone() }

type nonePred struct{}

func (nonePred) match(*Segment) *roaring.Bitmap { return roaring.New() }

type eqPred struct {
	field, value string
}

func (p eqPred) match(seg *Segment) *roaring.Bitmap {
	if bm, ok := seg.postings[p.field][p.value]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

type hasPred struct {
	field string
}

func (p hasPred) match(seg *Segment) *roaring.Bitmap {
	out := roaring.New()
	for _, bm := range seg.postings[p.field] {
		out.Or(bm)
	}
	return out
}

type inPred struct {
	field  string
	values []string
}

func (p inPred) match(seg *Segment) *roaring.Bitmap {
	values := seg.postings[p.field]
	out := roaring.New()
	for _, v := range p.values {
		if bm, ok := values[v]; ok {
			out.Or(bm)
		}
	}
	return out
}

type containsPred struct {
	field  string
	needle string
}

func (p containsPred) match(seg *Segment) *roaring.Bitmap {
	out := roaring.New()
	for value, bm := range seg.postings[p.field] {
		if strings.Contains(strings.ToLower(value), p.needle) {
			out.Or(bm)
		}
	}
	return out
}

type rangePred struct {
	field  string
	lo, hi *Bound
	order  Order
}

func (p rangePred) match(seg *Segment) *roaring.Bitmap {
	out := roaring.New()
	for value, bm := range seg.postings[p.field] {
		if p.admits(value) {
			out.Or(bm)
		}
	}
	return out
}

func (p rangePred) admits(value string) bool {
	if p.lo != nil {
		c, ok := compareValues(value, p.lo.Value, p.order)
		if !ok || c < 0 || (c == 0 && !p.lo.Inclusive) {
			return false
		}
	}
	if p.hi != nil {
		c, ok := compareValues(value, p.hi.Value, p.order)
		if !ok || c > 0 || (c == 0 && !p.hi.Inclusive) {
			return false
		}
	}
	return true
}

type andPred []Predicate

func (p andPred) match(seg *Segment) *roaring.Bitmap {
	if len(p) == 0 {
		return seg.all.Clone()
	}
	out := p[0].match(seg)
	for _, child := range p[1:] {
		if out.IsEmpty() {
			return out
		}
		out.And(child.match(seg))
	}
	return out
}

type orPred []Predicate

func (p orPred) match(seg *Segment) *roaring.Bitmap {
	out := roaring.New()
	for _, child := range p {
		out.Or(child.match(seg))
	}
	return out
}

type notPred struct {
	child Predicate
}

func (p notPred) match(seg *Segment) *roaring.Bitmap {
	return roaring.AndNot(seg.all, p.child.match(seg))
}

// All matches every row.
func All() Predicate { return allPred{} }

// None matches no row.
func None() Predicate { return nonePred{} }

// Eq matches rows whose indexed value of field equals value.
func Eq(field, value string) Predicate { return eqPred{field: field, value: value} }

// Ne matches rows that hold a value for field different from value.
func Ne(field, value string) Predicate {
	return andPred{hasPred{field: field}, notPred{eqPred{field: field, value: value}}}
}

// In matches rows whose indexed value of field is one of values.
func In(field string, values ...string) Predicate {
	return inPred{field: field, values: values}
}

// Contains matches rows whose indexed value of field contains needle,
// ignoring case.
func Contains(field, needle string) Predicate {
	return containsPred{field: field, needle: strings.ToLower(needle)}
}

// Range matches rows whose indexed value of field lies between lo and hi.
// A nil bound is open. Ranges that cannot match anything compile to None.
func Range(field string, lo, hi *Bound, order Order) Predicate {
	if lo != nil && hi != nil {
		c, ok := compareValues(lo.Value, hi.Value, order)
		if !ok || c > 0 || (c == 0 && !(lo.Inclusive && hi.Inclusive)) {
			return None()
		}
	}
	return rangePred{field: field, lo: lo, hi: hi, order: order}
}

// And matches rows matched by every child. Evaluation stops at the first
// child that leaves the intersection empty.
func And(children ...Predicate) Predicate {
	for _, c := range children {
		if _, ok := c.(nonePred); ok {
			return None()
		}
	}
	return andPred(children)
}

// Or matches rows matched by any child.
func Or(children ...Predicate) Predicate { return orPred(children) }

// Not matches rows not matched by child.
func Not(child Predicate) Predicate { return notPred{child: child} }

// compareValues reports the ordering of a and b and whether they were comparable.
func compareValues(a, b string, order Order) (int, bool) {
	if order == OrderNumeric {
		fa, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return 0, false
		}
		fb, err := strconv.ParseFloat(b, 64)
		if err != nil {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(a, b), true
}
