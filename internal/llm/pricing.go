package llm

// Price is the list price of a model in USD per million tokens.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the estimated USD cost of one call.
func (p Price) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}

// PriceTable maps canonical model names to prices. Unknown models cost 0.
type PriceTable map[string]Price

// For returns the price for a model, or zero.
func (t PriceTable) For(model string) Price {
	if t == nil {
		return Price{}
	}
	return t[model]
}

// Models returns the table's model names.
func (t PriceTable) Models() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}

var openAIPrices = PriceTable{
	"gpt-4o":       {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":  {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":      {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini": {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"gpt-4.1-nano": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"o3-mini":      {InputPerMTok: 1.10, OutputPerMTok: 4.40},
	"o4-mini":      {InputPerMTok: 1.10, OutputPerMTok: 4.40},
}

var deepSeekPrices = PriceTable{
	"deepseek-chat":     {InputPerMTok: 0.27, OutputPerMTok: 1.10},
	"deepseek-reasoner": {InputPerMTok: 0.55, OutputPerMTok: 2.19},
}

var geminiPrices = PriceTable{
	"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini-2.5-flash": {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"gemini-2.0-flash": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
}

var anthropicPrices = PriceTable{
	"claude-3-5-haiku-20241022":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-3-7-sonnet-20250219": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-sonnet-4-20250514":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-opus-4-20250514":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
}
