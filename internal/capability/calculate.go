package capability

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"remindbot/internal/llm"
)

var calcEnv = map[string]any{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"abs":   math.Abs,
	"ln":    math.Log,
	"log10": math.Log10,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

var calcReplacer = strings.NewReplacer(
	"×", "*", "÷", "/", "（", "(", "）", ")", "，", ",", "−", "-",
)

const calcBrief = `You are a calculation assistant. The user gives an expression or a unit
conversion. Compute the result accurately, show the working briefly and state
the final answer on its own line. For conversions, state the conversion factor.
For live data such as exchange rates, say the figure may be out of date.`

// calculate evaluates plain arithmetic locally and hands anything else to
// the language model.
type calculate struct {
	llm  llm.Completer
	base string
	now  func() time.Time
}

func (c *calculate) Describe() Info {
	return Info{Kind: "calculate", Summary: "arithmetic or unit conversion", Args: []string{"expression"}, Required: []string{"expression"}}
}

func (c *calculate) Execute(ctx context.Context, params map[string]string, contact string) (string, error) {
	info := c.Describe()
	if msg := missing(info, params); msg != "" {
		return msg, nil
	}
	raw := strings.TrimSpace(params["expression"])
	if v, ok := Evaluate(raw); ok {
		return fmt.Sprintf("%s = %s", raw, v), nil
	}
	p := &prompted{
		info: info, llm: c.llm, base: c.base, now: c.now,
		brief: func(map[string]string) string { return calcBrief },
		ask:   func(p map[string]string, _ time.Time) string { return "Calculate: " + p["expression"] },
	}
	return p.Execute(ctx, params, contact)
}

// Evaluate runs s as a numeric expression. It reports false for anything
// that does not compile or does not produce a finite number.
func Evaluate(s string) (string, bool) {
	s = strings.TrimSpace(calcReplacer.Replace(s))
	s = strings.TrimSuffix(strings.TrimSpace(strings.TrimSuffix(s, "=")), "?")
	if s == "" {
		return "", false
	}
	program, err := expr.Compile(s, expr.Env(calcEnv))
	if err != nil {
		return "", false
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return "", false
	}
	switch v := out.(type) {
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'g', 12, 64), true
	default:
		return "", false
	}
}
