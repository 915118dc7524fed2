package retriever

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/emersion/go-imap/v2"
)

/*
	Filter syntax

	Expression:
		Term || Expression
		Term

	Term:
		Primary && Term
		Primary

	Primary:
		FlagToken
		HeaderToken == String
		HeaderToken != String
		MsgToken == String
		MsgToken != String
		!Primary
		( Expression )
*/

// ParseFilter compiles filter expression into IMAP search criteria.
func ParseFilter(filterExpr string) (*imap.SearchCriteria, error) {
	p := &filterParser{expr: []rune(filterExpr)}

	criteria, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.done() {
		return nil, fmt.Errorf("unexpected '%c' at position %d", p.peek(), p.pos)
	}

	return criteria, nil
}

// buildSearchCriteria returns criteria matching unseen messages which
// satisfy every filter.
func buildSearchCriteria(filters []string) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	for _, filterExpr := range filters {
		if strings.TrimSpace(filterExpr) == "" {
			continue
		}

		newCriteria, err := ParseFilter(filterExpr)
		if err != nil {
			return nil, fmt.Errorf("parse filter expression %q: %w", filterExpr, err)
		}

		criteria.And(newCriteria)
	}

	return criteria, nil
}

type filterParser struct {
	expr []rune
	pos  int
}

func (p *filterParser) parseExpression() (*imap.SearchCriteria, error) {
	criteria, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	for p.consume("||") {
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}

		criteria = &imap.SearchCriteria{
			Or: [][2]imap.SearchCriteria{{*criteria, *t}},
		}
	}

	return criteria, nil
}

func (p *filterParser) parseTerm() (*imap.SearchCriteria, error) {
	criteria, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for p.consume("&&") {
		t, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		criteria.And(t)
	}

	return criteria, nil
}

func (p *filterParser) parsePrimary() (*imap.SearchCriteria, error) {
	p.skipSpace()
	if p.done() {
		return nil, errors.New("unexpected end of expression")
	}

	switch c := p.peek(); {
	case c == '!':
		p.pos++
		t, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return negate(t), nil

	case c == '(':
		p.pos++
		criteria, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		return criteria, nil
	}

	start := p.pos
	token := p.parseToken()
	if token == "" {
		return nil, fmt.Errorf("unexpected '%c' at position %d", p.peek(), start)
	}

	switch {
	case p.consume("=="):
		v, err := p.parseQuoted()
		if err != nil {
			return nil, err
		}
		return matchCriteria(token, v), nil

	case p.consume("!="):
		v, err := p.parseQuoted()
		if err != nil {
			return nil, err
		}
		return negate(matchCriteria(token, v)), nil
	}

	flag, ok := flagTokens[strings.ToUpper(token)]
	if !ok {
		return nil, fmt.Errorf("unknown flag %q", token)
	}

	criteria := &imap.SearchCriteria{}
	if strings.HasPrefix(strings.ToUpper(token), "UN") {
		criteria.NotFlag = append(criteria.NotFlag, flag)
	} else {
		criteria.Flag = append(criteria.Flag, flag)
	}

	return criteria, nil
}

func (p *filterParser) parseToken() string {
	var sb strings.Builder

	for !p.done() {
		c := p.peek()
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' {
			break
		}
		sb.WriteRune(c)
		p.pos++
	}

	return sb.String()
}

func (p *filterParser) parseQuoted() (string, error) {
	p.skipSpace()
	if p.done() {
		return "", errors.New("expected quoted string but got end of expression")
	}

	quote := p.peek()
	if quote != '\'' && quote != '"' {
		return "", fmt.Errorf("expected starting quote but got '%c'", quote)
	}
	p.pos++

	var sb strings.Builder
	for !p.done() {
		c := p.peek()
		p.pos++
		if c == quote {
			return sb.String(), nil
		}
		sb.WriteRune(c)
	}

	return "", errors.New("missing closing quote")
}

// consume skips whitespace and advances past op if it comes next.
func (p *filterParser) consume(op string) bool {
	p.skipSpace()

	ops := []rune(op)
	if p.pos+len(ops) > len(p.expr) {
		return false
	}
	for i, r := range ops {
		if p.expr[p.pos+i] != r {
			return false
		}
	}

	p.pos += len(ops)
	return true
}

func (p *filterParser) skipSpace() {
	for !p.done() && unicode.IsSpace(p.peek()) {
		p.pos++
	}
}

func (p *filterParser) peek() rune {
	return p.expr[p.pos]
}

func (p *filterParser) done() bool {
	return p.pos >= len(p.expr)
}

func matchCriteria(k, v string) *imap.SearchCriteria {
	c := &imap.SearchCriteria{}

	switch strings.ToUpper(k) {
	case "BODY":
		c.Body = append(c.Body, v)
	case "TEXT":
		c.Text = append(c.Text, v)
	default:
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{
			Key:   k,
			Value: v,
		})
	}

	return c
}

// negate inverts criteria. A lone flag is flipped in place.
func negate(c *imap.SearchCriteria) *imap.SearchCriteria {
	if isSingleFlag(c) {
		return &imap.SearchCriteria{Flag: c.NotFlag, NotFlag: c.Flag}
	}

	return &imap.SearchCriteria{
		Not: []imap.SearchCriteria{*c},
	}
}

func isSingleFlag(c *imap.SearchCriteria) bool {
	if len(c.Flag)+len(c.NotFlag) != 1 {
		return false
	}

	rest := *c
	rest.Flag, rest.NotFlag = nil, nil

	return reflect.DeepEqual(rest, imap.SearchCriteria{})
}

var flagTokens = map[string]imap.Flag{
	"JUNK":       imap.FlagJunk,
	"SEEN":       imap.FlagSeen,
	"UNSEEN":     imap.FlagSeen,
	"DRAFT":      imap.FlagDraft,
	"UNDRAFT":    imap.FlagDraft,
	"DELETED":    imap.FlagDeleted,
	"UNDELETED":  imap.FlagDeleted,
	"FLAGGED":    imap.FlagFlagged,
	"UNFLAGGED":  imap.FlagFlagged,
	"PHISHING":   imap.FlagPhishing,
	"FORWARDED":  imap.FlagForwarded,
	"IMPORTANT":  imap.FlagImportant,
	"ANSWERED":   imap.FlagAnswered,
	"UNANSWERED": imap.FlagAnswered,
}
