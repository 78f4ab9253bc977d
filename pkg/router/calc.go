package router

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	errDisallowedChars = errors.New("expression contains disallowed characters")
	errBadExpression   = errors.New("malformed expression")
)

const calcAllowedChars = "0123456789+-*/().,^% "

// evalExpression evaluates a small arithmetic expression. The character
// whitelist is checked before any parsing so untrusted input is rejected
// up front. ^ means power, a trailing % divides by 100.
func evalExpression(expr string) (float64, error) {
	for _, r := range expr {
		if !strings.ContainsRune(calcAllowedChars, r) {
			return 0, errDisallowedChars
		}
	}

	// % is percent notation, not modulo.
	expr = strings.ReplaceAll(expr, "%", "/100")

	p := &exprParser{input: strings.ReplaceAll(expr, " ", "")}
	if p.input == "" {
		return 0, errBadExpression
	}

	result, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.input) {
		return 0, errBadExpression
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, errBadExpression
	}
	return result, nil
}

// exprParser is a recursive-descent parser over the grammar
//
//	expr   = term (('+'|'-') term)*
//	term   = power (('*'|'/') power)*
//	power  = unary ('^' power)?
//	unary  = '-' unary | primary
//	primary = number | '(' expr ')'
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, errBadExpression
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		// Right associative: 2^3^2 is 2^(3^2).
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errBadExpression
		}
		p.pos++
		return v, nil
	}
	return p.parseNumber()
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return 0, errBadExpression
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, errBadExpression
	}
	return v, nil
}

// formatNumber prints integers without a decimal point and keeps floats
// compact.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
