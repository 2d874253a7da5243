package reward

import (
	"fmt"
	"math/big"

	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultFormula is used for any activity type the config leaves out.
var DefaultFormula = map[models.ActivityType]config.FormulaConfig{
	models.ActivityQuiz:        {Base: "10", PerPoint: "0.1"},
	models.ActivityLesson:      {Base: "5", PerPoint: "0.05"},
	models.ActivityProject:     {Base: "20", PerPoint: "0.3"},
	models.ActivityStreakBonus: {Base: "15", PerPoint: "0"},
}

type rule struct {
	base     decimal.Decimal
	perPoint decimal.Decimal
}

// Formula computes base[type] + score × perPoint[type] whole tokens and
// scales the result to the token's smallest unit. It depends on nothing
// but its inputs.
type Formula struct {
	decimals int32
	rules    map[models.ActivityType]rule
}

func NewFormula(cfg config.RewardConfig) (*Formula, error) {
	if cfg.TokenDecimals < 0 || cfg.TokenDecimals > 36 {
		return nil, fmt.Errorf("token decimals %d out of range", cfg.TokenDecimals)
	}

	f := &Formula{decimals: cfg.TokenDecimals, rules: make(map[models.ActivityType]rule)}
	for _, t := range models.ActivityTypes {
		fc := DefaultFormula[t]
		if override, ok := cfg.Formula[string(t)]; ok {
			fc = override
		}
		r, err := parseRule(fc)
		if err != nil {
			return nil, fmt.Errorf("reward formula for %s: %w", t, err)
		}
		f.rules[t] = r
	}
	for name := range cfg.Formula {
		if !models.ActivityType(name).Valid() {
			return nil, fmt.Errorf("reward formula for unknown activity type %q", name)
		}
	}
	return f, nil
}

func parseRule(fc config.FormulaConfig) (rule, error) {
	var r rule
	var err error
	if r.base, err = parseAmount(fc.Base); err != nil {
		return r, fmt.Errorf("base: %w", err)
	}
	if r.perPoint, err = parseAmount(fc.PerPoint); err != nil {
		return r, fmt.Errorf("per_point: %w", err)
	}
	return r, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s is negative", s)
	}
	return d, nil
}

// Amount returns the reward in the token's smallest unit, truncated.
func (f *Formula) Amount(activityType models.ActivityType, score int) (*big.Int, error) {
	r, ok := f.rules[activityType]
	if !ok {
		return nil, fmt.Errorf("unknown activity type %q", activityType)
	}
	tokens := r.base.Add(r.perPoint.Mul(decimal.NewFromInt(int64(score))))
	return tokens.Shift(f.decimals).Truncate(0).BigInt(), nil
}

func (f *Formula) Decimals() int32 {
	return f.decimals
}
