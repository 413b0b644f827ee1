package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"klinekeeper/internal/market"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const decimalPattern = `^-?[0-9]+(\\.[0-9]+)?$`

// kline 事件的最小结构约束，字段缺失或类型不符都按协议错误处理。
var klineEventSchema = `{
	"type": "object",
	"required": ["e", "E", "s", "k"],
	"properties": {
		"e": {"const": "kline"},
		"E": {"type": "integer"},
		"s": {"type": "string", "minLength": 1},
		"k": {
			"type": "object",
			"required": ["t", "T", "s", "i", "o", "c", "h", "l", "v", "n", "x", "q", "V", "Q"],
			"properties": {
				"t": {"type": "integer", "minimum": 0},
				"T": {"type": "integer", "minimum": 0},
				"s": {"type": "string", "minLength": 1},
				"i": {"type": "string", "minLength": 2},
				"o": {"type": "string", "pattern": "` + decimalPattern + `"},
				"c": {"type": "string", "pattern": "` + decimalPattern + `"},
				"h": {"type": "string", "pattern": "` + decimalPattern + `"},
				"l": {"type": "string", "pattern": "` + decimalPattern + `"},
				"v": {"type": "string", "pattern": "` + decimalPattern + `"},
				"q": {"type": "string", "pattern": "` + decimalPattern + `"},
				"V": {"type": "string", "pattern": "` + decimalPattern + `"},
				"Q": {"type": "string", "pattern": "` + decimalPattern + `"},
				"n": {"type": "integer", "minimum": 0},
				"x": {"type": "boolean"}
			}
		}
	}
}`

var compiledKlineSchema = mustCompileSchema("kline_event.json", klineEventSchema)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// DecodeMessage parses one frame of the combined stream. Subscription replies and
// non-kline events return ok=false; anything malformed is a *market.ProtocolError.
func (c *Client) DecodeMessage(payload []byte) (market.CandleEvent, bool, error) {
	ev, ok, err := DecodeKlineMessage(payload)
	if err != nil {
		c.recordProtocolError(err)
	}
	return ev, ok, err
}

func DecodeKlineMessage(payload []byte) (market.CandleEvent, bool, error) {
	if !gjson.ValidBytes(payload) {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, fmt.Errorf("invalid json"))
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, fmt.Errorf("frame is not an object"))
	}
	if e := root.Get("error"); e.Exists() {
		return market.CandleEvent{}, false, market.NewProtocolError(payload,
			fmt.Errorf("stream error %d: %s", e.Get("code").Int(), e.Get("msg").String()))
	}
	if root.Get("id").Exists() && root.Get("result").Exists() {
		return market.CandleEvent{}, false, nil
	}
	data := root
	if d := root.Get("data"); d.Exists() {
		data = d
	}
	if data.Get("e").String() != "kline" {
		return market.CandleEvent{}, false, nil
	}
	// schema 校验针对解码后的值，数字保留为 json.Number
	dec := json.NewDecoder(strings.NewReader(data.Raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, err)
	}
	if err := compiledKlineSchema.Validate(doc); err != nil {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, err)
	}
	k := data.Get("k")
	iv, err := market.ParseInterval(k.Get("i").String())
	if err != nil {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, err)
	}
	inst := market.Instrument{Symbol: market.NormalizeSymbol(k.Get("s").String()), Interval: iv}
	candle, err := convertKline(inst, rawKline{
		OpenTime:                 k.Get("t").Int(),
		CloseTime:                k.Get("T").Int(),
		Open:                     k.Get("o").String(),
		High:                     k.Get("h").String(),
		Low:                      k.Get("l").String(),
		Close:                    k.Get("c").String(),
		Volume:                   k.Get("v").String(),
		QuoteAssetVolume:         k.Get("q").String(),
		TradeNum:                 k.Get("n").Int(),
		TakerBuyBaseAssetVolume:  k.Get("V").String(),
		TakerBuyQuoteAssetVolume: k.Get("Q").String(),
	})
	if err != nil {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, err)
	}
	return market.CandleEvent{Instrument: inst, Candle: candle, Final: k.Get("x").Bool()}, true, nil
}
