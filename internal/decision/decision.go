package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
)

// Action is the closed set of things a decision may ask for.
type Action string

const (
	ActionBuy      Action = "buy"
	ActionSell     Action = "sell"
	ActionHold     Action = "hold"
	ActionNoAction Action = "no_action"
)

// ParseAction normalizes s. Anything outside the closed set becomes no_action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionHold, ActionNoAction:
		return a, true
	}
	return ActionNoAction, false
}

// Sentiment polarity values.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

type Sentiment struct {
	Overall    string `json:"overall"`
	Confidence int    `json:"confidence"`
}

type Reasoning struct {
	BullCase            string `json:"bull_case"`
	BearCase            string `json:"bear_case"`
	Catalyst            string `json:"catalyst"`
	ExpectedHoldingDays int    `json:"expected_holding_days"`
}

// TradeParameters are the model's suggested prices. Zero means not given.
type TradeParameters struct {
	EntryPrice float64 `json:"suggested_entry_price"`
	StopLoss   float64 `json:"calculated_stop_loss"`
	TakeProfit float64 `json:"calculated_take_profit"`
}

// TradingDecision is one validated proposal. It is built field by field from
// the parsed payload, never by decoding the payload into it directly.
type TradingDecision struct {
	Symbol     string           `json:"symbol"`
	Action     Action           `json:"action"`
	Sentiment  Sentiment        `json:"sentiment_analysis"`
	Reasoning  Reasoning        `json:"reasoning_structured"`
	Parameters *TradeParameters `json:"trade_parameters,omitempty"`
	Sanitized  bool             `json:"sanitized,omitempty"`
}

// Batch is the validated output of one model response.
type Batch struct {
	Decisions   []TradingDecision `json:"decisions"`
	MacroRegime string            `json:"macro_regime,omitempty"`
	// Sanitized is set when the payload failed the schema and was salvaged.
	Sanitized  bool     `json:"sanitized"`
	Violations []string `json:"violations,omitempty"`
}

// ErrNoPayload means no structured payload could be extracted at all.
var ErrNoPayload = errors.New("no structured payload in model output")

const defaultHoldingDays = 5

// Validate turns raw model text into decisions.
//
// It parses the whole text, then the span from the first '{' to the last
// '}'. A payload that parses but violates the schema is salvaged: entries
// without a symbol and an action are dropped, unknown actions become
// no_action and unusable confidences become 0. Salvage only ever removes or
// weakens decisions.
func Validate(raw string) (*Batch, error) {
	payload, err := extract(unwrapEnvelope(raw))
	if err != nil {
		return nil, err
	}

	list, ok := payload["decisions"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: missing decisions array", ErrNoPayload)
	}

	batch := &Batch{Decisions: []TradingDecision{}}
	if regime, ok := payload["macro_regime"].(string); ok {
		switch regime {
		case "bull", "range", "bear":
			batch.MacroRegime = regime
		default:
			batch.Violations = append(batch.Violations, fmt.Sprintf("macro_regime %q not allowed", regime))
		}
	}

	for i, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			batch.Violations = append(batch.Violations, fmt.Sprintf("decisions[%d]: not an object", i))
			continue
		}
		d, violations, keep := convert(entry)
		for _, v := range violations {
			batch.Violations = append(batch.Violations, fmt.Sprintf("decisions[%d]: %s", i, v))
		}
		if !keep {
			continue
		}
		batch.Decisions = append(batch.Decisions, d)
	}

	if len(batch.Violations) > 0 {
		batch.Sanitized = true
		for i := range batch.Decisions {
			batch.Decisions[i].Sanitized = true
		}
		log.Printf("⚠️ [VALIDATOR] schema violations, %d decision(s) salvaged: %s",
			len(batch.Decisions), strings.Join(batch.Violations, "; "))
	}
	return batch, nil
}

// unwrapEnvelope strips a {"type":"result","result":"..."} CLI wrapper.
func unwrapEnvelope(raw string) string {
	var outer map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &outer); err != nil {
		return raw
	}
	if inner, ok := outer["result"].(string); ok {
		return inner
	}
	return raw
}

func extract(text string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &payload); err == nil {
		return payload, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, ErrNoPayload
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPayload, err)
	}
	return payload, nil
}

// convert checks one entry against the schema. keep is false when the entry
// lacks the identity fields.
func convert(entry map[string]interface{}) (d TradingDecision, violations []string, keep bool) {
	symbol, _ := entry["symbol"].(string)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rawAction, hasAction := entry["action"].(string)
	if symbol == "" || !hasAction {
		return d, []string{"missing symbol or action"}, false
	}

	d.Symbol = symbol
	action, known := ParseAction(rawAction)
	if !known {
		violations = append(violations, fmt.Sprintf("action %q not allowed", rawAction))
	}
	d.Action = action

	sent, ok := entry["sentiment_analysis"].(map[string]interface{})
	if !ok {
		violations = append(violations, "sentiment_analysis missing")
	} else {
		overall, _ := sent["overall"].(string)
		switch overall {
		case SentimentPositive, SentimentNegative, SentimentNeutral:
			d.Sentiment.Overall = overall
		default:
			violations = append(violations, fmt.Sprintf("sentiment %q not allowed", overall))
			d.Sentiment.Overall = SentimentNeutral
		}
		conf, ok := sent["confidence"].(float64)
		switch {
		case !ok:
			violations = append(violations, "confidence missing or not a number")
		case conf != math.Trunc(conf) || conf < 0 || conf > 100:
			violations = append(violations, fmt.Sprintf("confidence %v out of range", conf))
		default:
			d.Sentiment.Confidence = int(conf)
		}
	}

	reason, ok := entry["reasoning_structured"].(map[string]interface{})
	d.Reasoning.ExpectedHoldingDays = defaultHoldingDays
	if !ok {
		violations = append(violations, "reasoning_structured missing")
	} else {
		for _, field := range []string{"bull_case", "bear_case", "catalyst"} {
			if _, ok := reason[field].(string); !ok {
				violations = append(violations, field+" missing")
			}
		}
		d.Reasoning.BullCase, _ = reason["bull_case"].(string)
		d.Reasoning.BearCase, _ = reason["bear_case"].(string)
		d.Reasoning.Catalyst, _ = reason["catalyst"].(string)
		if v, present := reason["expected_holding_days"]; present {
			days, ok := v.(float64)
			if !ok || days < 1 || days != math.Trunc(days) {
				violations = append(violations, fmt.Sprintf("expected_holding_days %v invalid", v))
			} else {
				d.Reasoning.ExpectedHoldingDays = int(days)
			}
		}
	}

	if tp, ok := entry["trade_parameters"].(map[string]interface{}); ok {
		params := &TradeParameters{}
		params.EntryPrice, violations = price(tp, "suggested_entry_price", violations)
		params.StopLoss, violations = price(tp, "calculated_stop_loss", violations)
		params.TakeProfit, violations = price(tp, "calculated_take_profit", violations)
		d.Parameters = params
	}

	return d, violations, true
}

func price(m map[string]interface{}, key string, violations []string) (float64, []string) {
	v, present := m[key]
	if !present {
		return 0, violations
	}
	f, ok := v.(float64)
	if !ok || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, append(violations, fmt.Sprintf("%s %v invalid", key, v))
	}
	return f, violations
}

// LatestConfidence maps each symbol to the confidence of its newest stored
// decision. Payloads are given newest first; unreadable ones are skipped.
func LatestConfidence(payloads []string) map[string]int {
	out := map[string]int{}
	for _, raw := range payloads {
		var b Batch
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			log.Printf("⚠️ [VALIDATOR] skipping unreadable stored decisions: %v", err)
			continue
		}
		for _, d := range b.Decisions {
			if _, seen := out[d.Symbol]; !seen && d.Symbol != "" {
				out[d.Symbol] = d.Sentiment.Confidence
			}
		}
	}
	return out
}
