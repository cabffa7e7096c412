package query

import (
	"strconv"
	"strings"
)

// Parser turns a token stream into a Query AST. It buffers one token of
// lookahead; Parse is the sole entry point.
type Parser struct {
	lex  *Lexer
	tok  Token
	peek *Token
}

// Parse lexes and parses src as a full (possibly UNION'd) query.
func Parse(src string) (*Query, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p.parseQuery()
}

func (p *Parser) advance() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *Parser) peekTok() (Token, error) {
	if p.peek == nil {
		t, err := p.lex.Next()
		if err != nil {
			return Token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *Parser) expect(tt TokenType, expected string) (Token, error) {
	if p.tok.Type != tt {
		return Token{}, newParseError(p.tok.Line, p.tok.Column, expected, describeTok(p.tok))
	}
	t := p.tok
	if err := p.advance(); err != nil {
		return Token{}, err
	}
	return t, nil
}

func describeTok(t Token) string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	return strconv.Quote(t.Text)
}

func (p *Parser) at(tt TokenType) bool { return p.tok.Type == tt }

func (p *Parser) parseQuery() (*Query, error) {
	q := &Query{}
	part, err := p.parseSinglePartQuery()
	if err != nil {
		return nil, err
	}
	q.Parts = append(q.Parts, part)
	for p.at(TokenUnion) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		all := false
		if p.at(TokenAll) {
			all = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		next, err := p.parseSinglePartQuery()
		if err != nil {
			return nil, err
		}
		q.UnionAll = append(q.UnionAll, all)
		q.Parts = append(q.Parts, next)
	}
	if !p.at(TokenEOF) {
		return nil, newParseError(p.tok.Line, p.tok.Column, "end of query", describeTok(p.tok))
	}
	return q, nil
}

func (p *Parser) parseSinglePartQuery() (*SinglePartQuery, error) {
	sp := &SinglePartQuery{}
	for {
		switch p.tok.Type {
		case TokenMatch, TokenOptional:
			c, err := p.parseMatchClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenUnwind:
			c, err := p.parseUnwindClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenCreate:
			c, err := p.parseCreateClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenMerge:
			c, err := p.parseMergeClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenSet:
			c, err := p.parseSetClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenDelete, TokenDetach:
			c, err := p.parseDeleteClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenRemove:
			c, err := p.parseRemoveClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenForeach:
			c, err := p.parseForeachClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenCall:
			c, err := p.parseCallClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenWith:
			c, err := p.parseWithClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
		case TokenReturn:
			c, err := p.parseReturnClause()
			if err != nil {
				return nil, err
			}
			sp.Clauses = append(sp.Clauses, c)
			return sp, nil
		default:
			return sp, nil
		}
	}
}

func (p *Parser) parseMatchClause() (*MatchClause, error) {
	mc := &MatchClause{}
	if p.at(TokenOptional) {
		mc.Optional = true
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenMatch, "MATCH"); err != nil {
			return nil, err
		}
	} else {
		if _, err := p.expect(TokenMatch, "MATCH"); err != nil {
			return nil, err
		}
	}
	parts, err := p.parsePatternList()
	if err != nil {
		return nil, err
	}
	mc.Patterns = parts
	if p.at(TokenWhere) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		mc.Where = w
	}
	return mc, nil
}

func (p *Parser) parsePatternList() ([]*PatternPart, error) {
	var parts []*PatternPart
	for {
		part, err := p.parsePatternPart()
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		if !p.at(TokenComma) {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func (p *Parser) parsePatternPart() (*PatternPart, error) {
	part := &PatternPart{}
	if p.tok.Type == TokenIdent {
		nxt, err := p.peekTok()
		if err != nil {
			return nil, err
		}
		if nxt.Type == TokenEquals {
			part.PathVariable = p.tok.Text
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	n, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	part.Nodes = append(part.Nodes, n)
	for p.at(TokenDash) || p.at(TokenArrowLeft) {
		rel, err := p.parseRelPattern()
		if err != nil {
			return nil, err
		}
		part.Rels = append(part.Rels, rel)
		n, err := p.parseNodePattern()
		if err != nil {
			return nil, err
		}
		part.Nodes = append(part.Nodes, n)
	}
	return part, nil
}

func (p *Parser) parseNodePattern() (*NodePattern, error) {
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	np := &NodePattern{}
	if p.at(TokenIdent) {
		np.Variable = p.tok.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	for p.at(TokenColon) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		lbl, err := p.expect(TokenIdent, "label")
		if err != nil {
			return nil, err
		}
		np.Labels = append(np.Labels, lbl.Text)
	}
	if p.at(TokenLBrace) {
		m, err := p.parsePropMap()
		if err != nil {
			return nil, err
		}
		np.Props = m
	} else if p.at(TokenParam) {
		e, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		np.PropsParam = e
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return np, nil
}

func (p *Parser) parsePropMap() (map[string]Expr, error) {
	if _, err := p.expect(TokenLBrace, "{"); err != nil {
		return nil, err
	}
	m := map[string]Expr{}
	for !p.at(TokenRBrace) {
		key, err := p.expect(TokenIdent, "property key")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenColon, ":"); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		m[key.Text] = v
		if p.at(TokenComma) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return m, nil
}

// parseRelPattern parses `-[var:T1|T2*min..max {props}]->`, `<-...-`, or the
// bare `--`/`->`/`<-` forms with no bracket detail.
func (p *Parser) parseRelPattern() (*RelPattern, error) {
	rp := &RelPattern{Dir: DirEither}
	if p.at(TokenArrowLeft) {
		rp.Dir = DirIn
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.finishBareOrBracketedRel(rp, false)
	}
	if _, err := p.expect(TokenDash, "-"); err != nil {
		return nil, err
	}
	return p.finishBareOrBracketedRel(rp, true)
}

func (p *Parser) finishBareOrBracketedRel(rp *RelPattern, leadingDash bool) (*RelPattern, error) {
	if p.at(TokenLBracket) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.at(TokenIdent) {
			rp.Variable = p.tok.Text
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.at(TokenColon) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			for {
				t, err := p.expect(TokenIdent, "relationship type")
				if err != nil {
					return nil, err
				}
				rp.Types = append(rp.Types, t.Text)
				if p.at(TokenPipe) {
					if err := p.advance(); err != nil {
						return nil, err
					}
					continue
				}
				break
			}
		}
		if p.at(TokenStar) {
			rp.VarLength = true
			rp.MinLen, rp.MaxLen = 1, -1
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.at(TokenInteger) {
				lo, _ := strconv.Atoi(p.tok.Text)
				rp.MinLen = lo
				if err := p.advance(); err != nil {
					return nil, err
				}
				if p.at(TokenDotDot) {
					if err := p.advance(); err != nil {
						return nil, err
					}
					if p.at(TokenInteger) {
						hi, _ := strconv.Atoi(p.tok.Text)
						rp.MaxLen = hi
						if err := p.advance(); err != nil {
							return nil, err
						}
					} else {
						rp.MaxLen = -1
					}
				} else {
					rp.MaxLen = rp.MinLen
				}
			} else if p.at(TokenDotDot) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				if p.at(TokenInteger) {
					hi, _ := strconv.Atoi(p.tok.Text)
					rp.MaxLen = hi
					if err := p.advance(); err != nil {
						return nil, err
					}
				}
			}
		}
		if p.at(TokenLBrace) {
			m, err := p.parsePropMap()
			if err != nil {
				return nil, err
			}
			rp.Props = m
		}
		if _, err := p.expect(TokenRBracket, "]"); err != nil {
			return nil, err
		}
	}
	if p.at(TokenArrowRight) {
		if rp.Dir == DirIn {
			return nil, newParseError(p.tok.Line, p.tok.Column, "single direction arrow", "-> after <-")
		}
		rp.Dir = DirOut
		if err := p.advance(); err != nil {
			return nil, err
		}
		return rp, nil
	}
	if p.at(TokenDash) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return rp, nil
	}
	if leadingDash {
		// bracket form consumed but no closing dash/arrow found yet is an error
		return nil, newParseError(p.tok.Line, p.tok.Column, "'-' or '->' to close relationship pattern", describeTok(p.tok))
	}
	return rp, nil
}

func (p *Parser) parseUnwindClause() (*UnwindClause, error) {
	if _, err := p.expect(TokenUnwind, "UNWIND"); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenAs, "AS"); err != nil {
		return nil, err
	}
	v, err := p.expect(TokenIdent, "variable")
	if err != nil {
		return nil, err
	}
	return &UnwindClause{List: e, As: v.Text}, nil
}

func (p *Parser) parseCreateClause() (*CreateClause, error) {
	if _, err := p.expect(TokenCreate, "CREATE"); err != nil {
		return nil, err
	}
	parts, err := p.parsePatternList()
	if err != nil {
		return nil, err
	}
	return &CreateClause{Patterns: parts}, nil
}

func (p *Parser) parseMergeClause() (*MergeClause, error) {
	if _, err := p.expect(TokenMerge, "MERGE"); err != nil {
		return nil, err
	}
	part, err := p.parsePatternPart()
	if err != nil {
		return nil, err
	}
	mc := &MergeClause{Pattern: part}
	for p.at(TokenOn) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch p.tok.Type {
		case TokenCreate:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenSet, "SET"); err != nil {
				return nil, err
			}
			items, err := p.parseSetItems()
			if err != nil {
				return nil, err
			}
			mc.OnCreate = items
		case TokenMatch:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenSet, "SET"); err != nil {
				return nil, err
			}
			items, err := p.parseSetItems()
			if err != nil {
				return nil, err
			}
			mc.OnMatch = items
		default:
			return nil, newParseError(p.tok.Line, p.tok.Column, "CREATE or MATCH", describeTok(p.tok))
		}
	}
	return mc, nil
}

func (p *Parser) parseSetClause() (*SetClause, error) {
	if _, err := p.expect(TokenSet, "SET"); err != nil {
		return nil, err
	}
	items, err := p.parseSetItems()
	if err != nil {
		return nil, err
	}
	return &SetClause{Items: items}, nil
}

func (p *Parser) parseSetItems() ([]SetItem, error) {
	var items []SetItem
	for {
		v, err := p.expect(TokenIdent, "variable")
		if err != nil {
			return nil, err
		}
		item := SetItem{Variable: v.Text}
		switch {
		case p.at(TokenColon):
			if err := p.advance(); err != nil {
				return nil, err
			}
			lbl, err := p.expect(TokenIdent, "label")
			if err != nil {
				return nil, err
			}
			item.Label = lbl.Text
		case p.at(TokenDot):
			if err := p.advance(); err != nil {
				return nil, err
			}
			prop, err := p.expect(TokenIdent, "property")
			if err != nil {
				return nil, err
			}
			item.Property = prop.Text
			if _, err := p.expect(TokenEquals, "="); err != nil {
				return nil, err
			}
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item.Value = val
		default:
			// SET n = {...} or SET n += {...}
			isAdd := false
			if p.at(TokenPlus) {
				isAdd = true
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			if _, err := p.expect(TokenEquals, "="); err != nil {
				return nil, err
			}
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item.Value = val
			item.IsAdd = isAdd
		}
		items = append(items, item)
		if p.at(TokenComma) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return items, nil
}

func (p *Parser) parseDeleteClause() (*DeleteClause, error) {
	dc := &DeleteClause{}
	if p.at(TokenDetach) {
		dc.Detach = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokenDelete, "DELETE"); err != nil {
		return nil, err
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dc.Items = append(dc.Items, e)
		if p.at(TokenComma) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return dc, nil
}

func (p *Parser) parseRemoveClause() (*RemoveClause, error) {
	if _, err := p.expect(TokenRemove, "REMOVE"); err != nil {
		return nil, err
	}
	rc := &RemoveClause{}
	for {
		v, err := p.expect(TokenIdent, "variable")
		if err != nil {
			return nil, err
		}
		item := RemoveItem{Variable: v.Text}
		if p.at(TokenColon) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			lbl, err := p.expect(TokenIdent, "label")
			if err != nil {
				return nil, err
			}
			item.Label = lbl.Text
		} else if p.at(TokenDot) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			prop, err := p.expect(TokenIdent, "property")
			if err != nil {
				return nil, err
			}
			item.Property = prop.Text
		}
		rc.Items = append(rc.Items, item)
		if p.at(TokenComma) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return rc, nil
}

func (p *Parser) parseForeachClause() (*ForeachClause, error) {
	if _, err := p.expect(TokenForeach, "FOREACH"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	v, err := p.expect(TokenIdent, "variable")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenIn, "IN"); err != nil {
		return nil, err
	}
	list, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenPipe, "|"); err != nil {
		return nil, err
	}
	sp, err := p.parseSinglePartQuery()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return &ForeachClause{Variable: v.Text, List: list, Clauses: sp.Clauses}, nil
}

func (p *Parser) parseCallClause() (Clause, error) {
	if _, err := p.expect(TokenCall, "CALL"); err != nil {
		return nil, err
	}
	if p.at(TokenLBrace) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		sub, err := p.parseQueryUntilRBrace()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRBrace, "}"); err != nil {
			return nil, err
		}
		cs := &CallSubqueryClause{Query: sub}
		if p.at(TokenIn) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenTransactions, "TRANSACTIONS"); err != nil {
				return nil, err
			}
			cs.InTransactions = true
			cs.BatchSize = 1000
			if p.at(TokenOf) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				n, err := p.expect(TokenInteger, "batch size")
				if err != nil {
					return nil, err
				}
				cs.BatchSize, _ = strconv.Atoi(n.Text)
				if _, err := p.expect(TokenRows, "ROWS"); err != nil {
					return nil, err
				}
			}
		}
		return cs, nil
	}

	name, err := p.parseProcedureName()
	if err != nil {
		return nil, err
	}
	cc := &CallClause{Name: name}
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	if !p.at(TokenRParen) {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			cc.Args = append(cc.Args, a)
			if p.at(TokenComma) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	if p.at(TokenYield) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			col, err := p.expect(TokenIdent, "yield column")
			if err != nil {
				return nil, err
			}
			cc.Yield = append(cc.Yield, col.Text)
			if p.at(TokenComma) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	return cc, nil
}

// parseProcedureName parses dotted procedure names like vector.knn or
// spatial.withinBBox.
func (p *Parser) parseProcedureName() (string, error) {
	first, err := p.expect(TokenIdent, "procedure name")
	if err != nil {
		return "", err
	}
	name := first.Text
	for p.at(TokenDot) {
		if err := p.advance(); err != nil {
			return "", err
		}
		part, err := p.expect(TokenIdent, "procedure name segment")
		if err != nil {
			return "", err
		}
		name += "." + part.Text
	}
	return name, nil
}

// parseQueryUntilRBrace parses a nested query body used by CALL {} without
// consuming the closing brace (this Parser has no notion of balanced-scope
// recursion beyond tracking brace depth via the single-part parser, which
// naturally stops at a token it doesn't recognize, i.e. '}').
func (p *Parser) parseQueryUntilRBrace() (*Query, error) {
	q := &Query{}
	part, err := p.parseSinglePartQuery()
	if err != nil {
		return nil, err
	}
	q.Parts = append(q.Parts, part)
	for p.at(TokenUnion) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		all := false
		if p.at(TokenAll) {
			all = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		next, err := p.parseSinglePartQuery()
		if err != nil {
			return nil, err
		}
		q.UnionAll = append(q.UnionAll, all)
		q.Parts = append(q.Parts, next)
	}
	return q, nil
}

func (p *Parser) parseWithClause() (*WithClause, error) {
	if _, err := p.expect(TokenWith, "WITH"); err != nil {
		return nil, err
	}
	pc, err := p.parseProjectionBody()
	if err != nil {
		return nil, err
	}
	if p.at(TokenWhere) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		pc.Where = w
	}
	return &WithClause{ProjectionClause: *pc}, nil
}

func (p *Parser) parseReturnClause() (*ReturnClause, error) {
	if _, err := p.expect(TokenReturn, "RETURN"); err != nil {
		return nil, err
	}
	pc, err := p.parseProjectionBody()
	if err != nil {
		return nil, err
	}
	return &ReturnClause{ProjectionClause: *pc}, nil
}

func (p *Parser) parseProjectionBody() (*ProjectionClause, error) {
	pc := &ProjectionClause{}
	if p.at(TokenDistinct) {
		pc.Distinct = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.at(TokenStar) {
		pc.Star = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	} else {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := ReturnItem{Expr: e}
			if p.at(TokenAs) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				alias, err := p.expect(TokenIdent, "alias")
				if err != nil {
					return nil, err
				}
				item.Alias = alias.Text
			}
			pc.Items = append(pc.Items, item)
			if p.at(TokenComma) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if p.at(TokenOrder) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenBy, "BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			oi := OrderItem{Expr: e}
			if p.at(TokenDesc) {
				oi.Desc = true
				if err := p.advance(); err != nil {
					return nil, err
				}
			} else if p.at(TokenAsc) {
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			pc.OrderBy = append(pc.OrderBy, oi)
			if p.at(TokenComma) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if p.at(TokenSkip) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		pc.Skip = e
	}
	if p.at(TokenLimit) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		pc.Limit = e
	}
	return pc, nil
}

// ---- Expressions: precedence climbing ----
// OR > XOR > AND > NOT > comparison chain > STRING/IN/IS NULL ops >
// additive > multiplicative > power > unary > postfix > primary.

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.at(TokenOr) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseXor() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.at(TokenXor) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "XOR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.at(TokenAnd) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.at(TokenNot) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseStringOps()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch p.tok.Type {
		case TokenEquals:
			op = "="
		case TokenNotEquals:
			op = "<>"
		case TokenLess:
			op = "<"
		case TokenLessEq:
			op = "<="
		case TokenGreater:
			op = ">"
		case TokenGreaterEq:
			op = ">="
		case TokenRegexMatch:
			op = "=~"
		default:
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseStringOps()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseStringOps() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.Type {
		case TokenStartsWith:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenWith, "WITH"); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: "STARTS WITH", Left: left, Right: right}
		case TokenEndsWith:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenWith, "WITH"); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: "ENDS WITH", Left: left, Right: right}
		case TokenContains:
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: "CONTAINS", Left: left, Right: right}
		case TokenIn:
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: "IN", Left: left, Right: right}
		case TokenIs:
			if err := p.advance(); err != nil {
				return nil, err
			}
			negate := false
			if p.at(TokenNot) {
				negate = true
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			if _, err := p.expect(TokenNull, "NULL"); err != nil {
				return nil, err
			}
			left = &IsNullExpr{Operand: left, Negate: negate}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.at(TokenPlus) || p.at(TokenDash) {
		op := "+"
		if p.at(TokenDash) {
			op = "-"
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for p.at(TokenStar) || p.at(TokenSlash) || p.at(TokenPercent) {
		var op string
		switch p.tok.Type {
		case TokenStar:
			op = "*"
		case TokenSlash:
			op = "/"
		case TokenPercent:
			op = "%"
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parsePower() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.at(TokenCaret) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: "^", Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.at(TokenDash) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.Type {
		case TokenDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			prop, err := p.expect(TokenIdent, "property name")
			if err != nil {
				return nil, err
			}
			e = &PropertyAccess{Target: e, Property: prop.Text}
		case TokenLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			ie := &IndexExpr{Target: e}
			if p.at(TokenDotDot) {
				ie.IsSlice = true
				if err := p.advance(); err != nil {
					return nil, err
				}
				if !p.at(TokenRBracket) {
					hi, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					ie.Hi = hi
				}
			} else {
				first, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				if p.at(TokenDotDot) {
					ie.IsSlice = true
					ie.Lo = first
					if err := p.advance(); err != nil {
						return nil, err
					}
					if !p.at(TokenRBracket) {
						hi, err := p.parseExpr()
						if err != nil {
							return nil, err
						}
						ie.Hi = hi
					}
				} else {
					ie.Index = first
				}
			}
			if _, err := p.expect(TokenRBracket, "]"); err != nil {
				return nil, err
			}
			e = ie
		case TokenLBrace:
			mp, err := p.parseMapProjectionTail(e)
			if err != nil {
				return nil, err
			}
			e = mp
		default:
			return e, nil
		}
	}
}

func (p *Parser) parseMapProjectionTail(target Expr) (Expr, error) {
	if _, err := p.expect(TokenLBrace, "{"); err != nil {
		return nil, err
	}
	mp := &MapProjection{Target: target}
	for !p.at(TokenRBrace) {
		if p.at(TokenDot) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.at(TokenStar) {
				mp.Items = append(mp.Items, MapProjectionItem{AllProps: true})
				if err := p.advance(); err != nil {
					return nil, err
				}
			} else {
				k, err := p.expect(TokenIdent, "property key")
				if err != nil {
					return nil, err
				}
				mp.Items = append(mp.Items, MapProjectionItem{Key: k.Text})
			}
		} else {
			k, err := p.expect(TokenIdent, "projection key")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenColon, ":"); err != nil {
				return nil, err
			}
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			mp.Items = append(mp.Items, MapProjectionItem{Key: k.Text, Value: v})
		}
		if p.at(TokenComma) {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return mp, nil
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch p.tok.Type {
	case TokenInteger:
		n, err := strconv.ParseInt(p.tok.Text, 10, 64)
		if err != nil {
			return nil, newParseError(p.tok.Line, p.tok.Column, "integer literal", p.tok.Text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: n}, nil
	case TokenFloat:
		f, err := strconv.ParseFloat(p.tok.Text, 64)
		if err != nil {
			return nil, newParseError(p.tok.Line, p.tok.Column, "float literal", p.tok.Text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: f}, nil
	case TokenString:
		s := p.tok.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: s}, nil
	case TokenTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: true}, nil
	case TokenFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: false}, nil
	case TokenNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: nil}, nil
	case TokenParam:
		name := p.tok.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ParamRef{Name: name}, nil
	case TokenIdent:
		return p.parseIdentOrCall()
	case TokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case TokenLBracket:
		return p.parseListOrComprehension()
	case TokenLBrace:
		return p.parseMapLiteral()
	case TokenCase:
		return p.parseCase()
	case TokenExists:
		return p.parseExists()
	case TokenNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Operand: operand}, nil
	case TokenDash:
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return nil, newParseError(p.tok.Line, p.tok.Column, "an expression", describeTok(p.tok))
}

func (p *Parser) parseIdentOrCall() (Expr, error) {
	name := p.tok.Text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.at(TokenLParen) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		fc := &FunctionCall{Name: name}
		if p.at(TokenDistinct) {
			fc.Distinct = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.at(TokenStar) && strings.EqualFold(name, "count") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			fc.Args = []Expr{&Literal{Value: "*"}}
		} else if !p.at(TokenRParen) {
			for {
				a, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				fc.Args = append(fc.Args, a)
				if p.at(TokenComma) {
					if err := p.advance(); err != nil {
						return nil, err
					}
					continue
				}
				break
			}
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return fc, nil
	}
	return &VarRef{Name: name}, nil
}

func (p *Parser) parseListOrComprehension() (Expr, error) {
	if _, err := p.expect(TokenLBracket, "["); err != nil {
		return nil, err
	}
	// Pattern comprehension: [(n)-[r]->(m) | expr]
	if p.at(TokenLParen) {
		nxt, err := p.peekTok()
		if err == nil && (nxt.Type == TokenIdent || nxt.Type == TokenColon || nxt.Type == TokenRParen) {
			lexState := p.lex.snapshot()
			savedTok, savedPeek := p.tok, p.peek
			part, perr := p.parsePatternPart()
			if perr == nil && p.at(TokenPipe) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				proj, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(TokenRBracket, "]"); err != nil {
					return nil, err
				}
				return &PatternComprehension{Pattern: part, Project: proj}, nil
			}
			p.lex.restore(lexState)
			p.tok, p.peek = savedTok, savedPeek
		}
	}
	// [x IN list WHERE pred | expr] or a plain list literal.
	if p.at(TokenIdent) {
		nxt, err := p.peekTok()
		if err == nil && nxt.Type == TokenIn {
			variable := p.tok.Text
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			list, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			lc := &ListComprehension{Variable: variable, List: list}
			if p.at(TokenWhere) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				w, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				lc.Where = w
			}
			if p.at(TokenPipe) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				proj, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				lc.Project = proj
			}
			if _, err := p.expect(TokenRBracket, "]"); err != nil {
				return nil, err
			}
			return lc, nil
		}
	}
	le := &ListExpr{}
	if !p.at(TokenRBracket) {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			le.Items = append(le.Items, e)
			if p.at(TokenComma) {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokenRBracket, "]"); err != nil {
		return nil, err
	}
	return le, nil
}

func (p *Parser) parseMapLiteral() (Expr, error) {
	m, err := p.parsePropMap()
	if err != nil {
		return nil, err
	}
	return &MapExpr{Entries: m}, nil
}

func (p *Parser) parseCase() (Expr, error) {
	if _, err := p.expect(TokenCase, "CASE"); err != nil {
		return nil, err
	}
	ce := &CaseExpr{}
	if !p.at(TokenWhen) {
		t, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Test = t
	}
	for p.at(TokenWhen) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenThen, "THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Whens = append(ce.Whens, CaseWhen{Cond: cond, Then: then})
	}
	if p.at(TokenElse) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Else = e
	}
	if _, err := p.expect(TokenEnd, "END"); err != nil {
		return nil, err
	}
	return ce, nil
}

func (p *Parser) parseExists() (Expr, error) {
	if _, err := p.expect(TokenExists, "EXISTS"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLBrace, "{"); err != nil {
		return nil, err
	}
	var ex ExistsExpr
	if p.at(TokenMatch) {
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	part, err := p.parsePatternPart()
	if err != nil {
		return nil, err
	}
	ex.Pattern = part
	if p.at(TokenWhere) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ex.Where = w
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return &ex, nil
}
