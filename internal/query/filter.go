package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"

	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/storage"
)

// filterCtx carries everything filter evaluation needs against one read
// transaction: the field map to resolve names to ids, and a lazily computed
// universe bitmap for NOT negation.
type filterCtx struct {
	r          *storage.ReadTxn
	fieldMap   *fields.Map
	allowCONTAINS bool

	universe *roaring.Bitmap
}

func (c *filterCtx) allDocIDs() (*roaring.Bitmap, error) {
	if c.universe != nil {
		return c.universe, nil
	}
	out := roaring.New()
	err := c.r.ForEach(storage.BucketDocuments, func(k, v []byte) error {
		out.Add(decodeDocID(k))
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.universe = out
	return out, nil
}

// filterNode is one evaluated node of the filter AST.
type filterNode interface {
	eval(c *filterCtx) (*roaring.Bitmap, error)
}

// evalFilter parses and evaluates expr against the given transaction,
// returning the candidate bitmap of matching document ids. An empty expr
// matches every document.
func evalFilter(r *storage.ReadTxn, fieldMap *fields.Map, allowCONTAINS bool, expr string) (*roaring.Bitmap, error) {
	if strings.TrimSpace(expr) == "" {
		c := &filterCtx{r: r, fieldMap: fieldMap}
		return c.allDocIDs()
	}
	node, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}
	c := &filterCtx{r: r, fieldMap: fieldMap, allowCONTAINS: allowCONTAINS}
	return node.eval(c)
}

// ---- AST nodes ----

type andNode struct{ children []filterNode }

func (n andNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	if len(n.children) == 0 {
		return c.allDocIDs()
	}
	out, err := n.children[0].eval(c)
	if err != nil {
		return nil, err
	}
	out = out.Clone()
	for _, child := range n.children[1:] {
		bm, err := child.eval(c)
		if err != nil {
			return nil, err
		}
		out.And(bm)
	}
	return out, nil
}

type orNode struct{ children []filterNode }

func (n orNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	out := roaring.New()
	for _, child := range n.children {
		bm, err := child.eval(c)
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	return out, nil
}

type notNode struct{ child filterNode }

func (n notNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	universe, err := c.allDocIDs()
	if err != nil {
		return nil, err
	}
	bm, err := n.child.eval(c)
	if err != nil {
		return nil, err
	}
	out := universe.Clone()
	out.AndNot(bm)
	return out, nil
}

type cmpOp int

const (
	cmpEq cmpOp = iota
	cmpNe
	cmpLt
	cmpLe
	cmpGt
	cmpGe
)

type comparisonNode struct {
	field string
	op    cmpOp
	value filterValue
}

func (n comparisonNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		return roaring.New(), nil
	}
	switch n.op {
	case cmpEq:
		return exactMatch(c.r, fieldID, n.value)
	case cmpNe:
		universe, err := c.allDocIDs()
		if err != nil {
			return nil, err
		}
		bm, err := exactMatch(c.r, fieldID, n.value)
		if err != nil {
			return nil, err
		}
		out := universe.Clone()
		out.AndNot(bm)
		return out, nil
	case cmpLt, cmpLe, cmpGt, cmpGe:
		v, ok := n.value.asNumber()
		if !ok {
			return nil, invalidFilter(fmt.Sprintf("%s requires a numeric operand for a range comparison", n.field))
		}
		switch n.op {
		case cmpLt:
			return facet.RangeDocids(c.r, fieldID, math.Inf(-1), math.Nextafter(v, math.Inf(-1)))
		case cmpLe:
			return facet.RangeDocids(c.r, fieldID, math.Inf(-1), v)
		case cmpGt:
			return facet.RangeDocids(c.r, fieldID, math.Nextafter(v, math.Inf(1)), math.Inf(1))
		default: // cmpGe
			return facet.RangeDocids(c.r, fieldID, v, math.Inf(1))
		}
	}
	return roaring.New(), nil
}

type rangeBetweenNode struct {
	field      string
	low, high  float64
}

func (n rangeBetweenNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		return roaring.New(), nil
	}
	return facet.RangeDocids(c.r, fieldID, n.low, n.high)
}

type inNode struct {
	field  string
	values []filterValue
	negate bool
}

func (n inNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		return roaring.New(), nil
	}
	out := roaring.New()
	for _, v := range n.values {
		bm, err := exactMatch(c.r, fieldID, v)
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	if !n.negate {
		return out, nil
	}
	universe, err := c.allDocIDs()
	if err != nil {
		return nil, err
	}
	result := universe.Clone()
	result.AndNot(out)
	return result, nil
}

type existsNode struct {
	field  string
	negate bool
}

func (n existsNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		if n.negate {
			return c.allDocIDs()
		}
		return roaring.New(), nil
	}
	bm, err := fieldFacetUniverse(c.r, fieldID)
	if err != nil {
		return nil, err
	}
	if !n.negate {
		return bm, nil
	}
	universe, err := c.allDocIDs()
	if err != nil {
		return nil, err
	}
	out := universe.Clone()
	out.AndNot(bm)
	return out, nil
}

// isEmptyNode matches documents whose field carries the empty string, per
// spec §4.8's IS EMPTY operator (approximated over the string facet index;
// numeric fields are never "empty").
type isEmptyNode struct {
	field  string
	negate bool
}

func (n isEmptyNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		if n.negate {
			return c.allDocIDs()
		}
		return roaring.New(), nil
	}
	bm := facet.StringDocids(c.r, fieldID, "")
	if bm == nil {
		bm = roaring.New()
	}
	if !n.negate {
		return bm, nil
	}
	universe, err := c.allDocIDs()
	if err != nil {
		return nil, err
	}
	out := universe.Clone()
	out.AndNot(bm)
	return out, nil
}

type containsNode struct {
	field  string
	substr string
	negate bool
}

func (n containsNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	if !c.allowCONTAINS {
		return nil, invalidFilter("CONTAINS is not enabled for this index")
	}
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		return roaring.New(), nil
	}
	out := roaring.New()
	err := facet.ForEachStringValue(c.r, fieldID, func(value string, bm *roaring.Bitmap) {
		if strings.Contains(value, n.substr) {
			out.Or(bm)
		}
	})
	if err != nil {
		return nil, err
	}
	if !n.negate {
		return out, nil
	}
	universe, err := c.allDocIDs()
	if err != nil {
		return nil, err
	}
	result := universe.Clone()
	result.AndNot(out)
	return result, nil
}

type geoRadiusNode struct {
	field                string
	lat, lng, radiusMeters float64
}

func (n geoRadiusNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		return roaring.New(), nil
	}
	return facet.WithinRadius(c.r, fieldID, n.lat, n.lng, n.radiusMeters)
}

type geoBoundingBoxNode struct {
	field                            string
	nwLat, nwLng, seLat, seLng float64
}

func (n geoBoundingBoxNode) eval(c *filterCtx) (*roaring.Bitmap, error) {
	fieldID, ok := c.fieldMap.Lookup(n.field)
	if !ok {
		return roaring.New(), nil
	}
	return facet.WithinBoundingBox(c.r, fieldID, n.nwLat, n.nwLng, n.seLat, n.seLng)
}

// exactMatch dispatches a literal's equality lookup to the string or
// numeric facet index depending on the literal's own syntax.
func exactMatch(r *storage.ReadTxn, fieldID uint16, v filterValue) (*roaring.Bitmap, error) {
	if v.isNumber {
		bm, err := facet.RangeDocids(r, fieldID, v.number, v.number)
		if err != nil {
			return nil, err
		}
		return bm, nil
	}
	bm := facet.StringDocids(r, fieldID, v.str)
	if bm == nil {
		bm = roaring.New()
	}
	return bm, nil
}

// fieldFacetUniverse unions every docID holding any facet value (string,
// numeric, or geo) for fieldID, approximating EXISTS over the facet index.
func fieldFacetUniverse(r *storage.ReadTxn, fieldID uint16) (*roaring.Bitmap, error) {
	out := roaring.New()
	err := facet.ForEachStringValue(r, fieldID, func(value string, bm *roaring.Bitmap) {
		out.Or(bm)
	})
	if err != nil {
		return nil, err
	}
	numBm, err := facet.RangeDocids(r, fieldID, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	out.Or(numBm)
	return out, nil
}

func invalidFilter(msg string) error {
	return qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchFilter, msg, nil)
}

// ---- literal values ----

type filterValue struct {
	str      string
	number   float64
	isNumber bool
}

func (v filterValue) asNumber() (float64, bool) {
	if v.isNumber {
		return v.number, true
	}
	f, err := strconv.ParseFloat(v.str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ---- lexer ----

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkString
	tkNumber
	tkLParen
	tkRParen
	tkLBracket
	tkRBracket
	tkComma
	tkEq
	tkNe
	tkLt
	tkLe
	tkGt
	tkGe
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(expr string) ([]token, error) {
	var toks []token
	runes := []rune(expr)
	i := 0
	n := len(runes)
	for i < n {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			toks = append(toks, token{kind: tkLParen})
			i++
		case ch == ')':
			toks = append(toks, token{kind: tkRParen})
			i++
		case ch == '[':
			toks = append(toks, token{kind: tkLBracket})
			i++
		case ch == ']':
			toks = append(toks, token{kind: tkRBracket})
			i++
		case ch == ',':
			toks = append(toks, token{kind: tkComma})
			i++
		case ch == '=':
			toks = append(toks, token{kind: tkEq})
			i++
		case ch == '!' && i+1 < n && runes[i+1] == '=':
			toks = append(toks, token{kind: tkNe})
			i += 2
		case ch == '<' && i+1 < n && runes[i+1] == '=':
			toks = append(toks, token{kind: tkLe})
			i += 2
		case ch == '<':
			toks = append(toks, token{kind: tkLt})
			i++
		case ch == '>' && i+1 < n && runes[i+1] == '=':
			toks = append(toks, token{kind: tkGe})
			i += 2
		case ch == '>':
			toks = append(toks, token{kind: tkGt})
			i++
		case ch == '"' || ch == '\'':
			quote := ch
			j := i + 1
			var sb strings.Builder
			for j < n && runes[j] != quote {
				if runes[j] == '\\' && j+1 < n {
					j++
				}
				sb.WriteRune(runes[j])
				j++
			}
			if j >= n {
				return nil, invalidFilter("unterminated string literal")
			}
			toks = append(toks, token{kind: tkString, text: sb.String()})
			i = j + 1
		case isFilterIdentStart(ch) || ch == '_' || ch == '-':
			j := i
			for j < n && isFilterIdentPart(runes[j]) {
				j++
			}
			text := string(runes[i:j])
			if f, err := strconv.ParseFloat(text, 64); err == nil {
				toks = append(toks, token{kind: tkNumber, num: f, text: text})
			} else {
				toks = append(toks, token{kind: tkIdent, text: text})
			}
			i = j
		default:
			return nil, invalidFilter(fmt.Sprintf("unexpected character %q in filter", ch))
		}
	}
	toks = append(toks, token{kind: tkEOF})
	return toks, nil
}

func isFilterIdentStart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '.' || ch == '"'
}

func isFilterIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '.' || ch == '_' || ch == '-'
}

// ---- parser ----

type parser struct {
	toks []token
	pos  int
}

func parseFilter(expr string) (filterNode, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkEOF {
		return nil, invalidFilter("trailing tokens in filter expression")
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) peekWord(word string) bool {
	t := p.peek()
	return t.kind == tkIdent && strings.EqualFold(t.text, word)
}

func (p *parser) consumeWord(word string) bool {
	if p.peekWord(word) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectWord(word string) error {
	if !p.consumeWord(word) {
		return invalidFilter(fmt.Sprintf("expected %q in filter expression", word))
	}
	return nil
}

func (p *parser) parseOr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []filterNode{left}
	for p.consumeWord("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return orNode{children: children}, nil
}

func (p *parser) parseAnd() (filterNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []filterNode{left}
	for p.consumeWord("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return andNode{children: children}, nil
}

func (p *parser) parseUnary() (filterNode, error) {
	if p.consumeWord("NOT") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (filterNode, error) {
	t := p.peek()
	switch {
	case t.kind == tkLParen:
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tkRParen {
			return nil, invalidFilter("unmatched '(' in filter expression")
		}
		p.next()
		return node, nil
	case t.kind == tkIdent && strings.EqualFold(t.text, "_geoRadius"):
		return p.parseGeoRadius()
	case t.kind == tkIdent && strings.EqualFold(t.text, "_geoBoundingBox"):
		return p.parseGeoBoundingBox()
	case t.kind == tkIdent:
		return p.parseComparison()
	default:
		return nil, invalidFilter("expected a field name, '(' or geo function")
	}
}

func (p *parser) parseComparison() (filterNode, error) {
	field := p.next().text

	if p.consumeWord("EXISTS") {
		return existsNode{field: field}, nil
	}
	if p.consumeWord("NOT") {
		switch {
		case p.consumeWord("EXISTS"):
			return existsNode{field: field, negate: true}, nil
		case p.consumeWord("IN"):
			values, err := p.parseValueList()
			if err != nil {
				return nil, err
			}
			return inNode{field: field, values: values, negate: true}, nil
		case p.consumeWord("CONTAINS"):
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			return containsNode{field: field, substr: v.str, negate: true}, nil
		default:
			return nil, invalidFilter(fmt.Sprintf("unsupported NOT-operator for field %q", field))
		}
	}
	if p.consumeWord("IS") {
		negate := p.consumeWord("NOT")
		switch {
		case p.consumeWord("NULL"):
			return existsNode{field: field, negate: !negate}, nil
		case p.consumeWord("EMPTY"):
			return isEmptyNode{field: field, negate: negate}, nil
		default:
			return nil, invalidFilter(fmt.Sprintf("expected NULL or EMPTY after IS for field %q", field))
		}
	}
	if p.consumeWord("IN") {
		values, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return inNode{field: field, values: values}, nil
	}
	if p.consumeWord("CONTAINS") {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return containsNode{field: field, substr: v.str}, nil
	}

	switch p.peek().kind {
	case tkEq:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return comparisonNode{field: field, op: cmpEq, value: v}, nil
	case tkNe:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return comparisonNode{field: field, op: cmpNe, value: v}, nil
	case tkLt:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return comparisonNode{field: field, op: cmpLt, value: v}, nil
	case tkLe:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return comparisonNode{field: field, op: cmpLe, value: v}, nil
	case tkGt:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return comparisonNode{field: field, op: cmpGt, value: v}, nil
	case tkGe:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return comparisonNode{field: field, op: cmpGe, value: v}, nil
	}

	// "field low TO high" range syntax.
	low, err := p.parseValue()
	if err != nil {
		return nil, invalidFilter(fmt.Sprintf("expected an operator after field %q", field))
	}
	if err := p.expectWord("TO"); err != nil {
		return nil, err
	}
	high, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	lowN, ok1 := low.asNumber()
	highN, ok2 := high.asNumber()
	if !ok1 || !ok2 {
		return nil, invalidFilter(fmt.Sprintf("%s TO range requires numeric bounds", field))
	}
	return rangeBetweenNode{field: field, low: lowN, high: highN}, nil
}

func (p *parser) parseValue() (filterValue, error) {
	t := p.next()
	switch t.kind {
	case tkString, tkIdent:
		return filterValue{str: t.text}, nil
	case tkNumber:
		return filterValue{number: t.num, isNumber: true, str: t.text}, nil
	default:
		return filterValue{}, invalidFilter("expected a value")
	}
}

func (p *parser) parseValueList() ([]filterValue, error) {
	if p.peek().kind != tkLBracket {
		return nil, invalidFilter("expected '[' to begin a value list")
	}
	p.next()
	var values []filterValue
	if p.peek().kind != tkRBracket {
		for {
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.peek().kind != tkComma {
				break
			}
			p.next()
		}
	}
	if p.peek().kind != tkRBracket {
		return nil, invalidFilter("expected ']' to close a value list")
	}
	p.next()
	return values, nil
}

func (p *parser) parseGeoRadius() (filterNode, error) {
	p.next() // _geoRadius
	if p.peek().kind != tkLParen {
		return nil, invalidFilter("expected '(' after _geoRadius")
	}
	p.next()
	lat, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkComma {
		return nil, invalidFilter("expected ',' in _geoRadius arguments")
	}
	p.next()
	lng, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkComma {
		return nil, invalidFilter("expected ',' in _geoRadius arguments")
	}
	p.next()
	radius, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkRParen {
		return nil, invalidFilter("expected ')' to close _geoRadius")
	}
	p.next()
	latN, ok1 := lat.asNumber()
	lngN, ok2 := lng.asNumber()
	radN, ok3 := radius.asNumber()
	if !ok1 || !ok2 || !ok3 {
		return nil, invalidFilter("_geoRadius requires three numeric arguments")
	}
	return geoRadiusNode{field: "_geo", lat: latN, lng: lngN, radiusMeters: radN}, nil
}

func (p *parser) parseGeoBoundingBox() (filterNode, error) {
	p.next() // _geoBoundingBox
	if p.peek().kind != tkLParen {
		return nil, invalidFilter("expected '(' after _geoBoundingBox")
	}
	p.next()
	nwLat, nwLng, err := p.parseCoordPair()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkComma {
		return nil, invalidFilter("expected ',' between _geoBoundingBox corners")
	}
	p.next()
	seLat, seLng, err := p.parseCoordPair()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tkRParen {
		return nil, invalidFilter("expected ')' to close _geoBoundingBox")
	}
	p.next()
	return geoBoundingBoxNode{field: "_geo", nwLat: nwLat, nwLng: nwLng, seLat: seLat, seLng: seLng}, nil
}

func (p *parser) parseCoordPair() (lat, lng float64, err error) {
	if p.peek().kind != tkLBracket {
		return 0, 0, invalidFilter("expected '[' to begin a coordinate pair")
	}
	p.next()
	latV, err := p.parseValue()
	if err != nil {
		return 0, 0, err
	}
	if p.peek().kind != tkComma {
		return 0, 0, invalidFilter("expected ',' in coordinate pair")
	}
	p.next()
	lngV, err := p.parseValue()
	if err != nil {
		return 0, 0, err
	}
	if p.peek().kind != tkRBracket {
		return 0, 0, invalidFilter("expected ']' to close a coordinate pair")
	}
	p.next()
	latN, ok1 := latV.asNumber()
	lngN, ok2 := lngV.asNumber()
	if !ok1 || !ok2 {
		return 0, 0, invalidFilter("coordinate pair requires numeric values")
	}
	return latN, lngN, nil
}
