package channel

import "github.com/orchestra-mcp/realtime/src/types"

// Payload fields carrying correlation ids.
const (
	FieldContractID = "contractId"
	FieldAnalysisID = "analysisId"
)

// OnContractUpdate subscribes to contract_update messages. When contractID
// is non-empty only updates for that contract reach h.
func (c *Channel) OnContractUpdate(contractID string, h types.Handler) (unsubscribe func()) {
	return c.Subscribe(types.TypeContractUpdate, Filtered(FieldContractID, contractID, h))
}

// OnAnalysisComplete subscribes to analysis_complete messages. When
// analysisID is non-empty only that analysis reaches h.
func (c *Channel) OnAnalysisComplete(analysisID string, h types.Handler) (unsubscribe func()) {
	return c.Subscribe(types.TypeAnalysisComplete, Filtered(FieldAnalysisID, analysisID, h))
}

// OnNotification subscribes to every notification message.
func (c *Channel) OnNotification(h types.Handler) (unsubscribe func()) {
	return c.Subscribe(types.TypeNotification, h)
}

// Filtered wraps h so that it only sees messages whose payload field equals
// expected. An empty expected value disables filtering.
func Filtered(field, expected string, h types.Handler) types.Handler {
	if expected == "" {
		return h
	}
	return func(msg types.Message) error {
		if !MatchesCorrelation(msg.Payload, field, expected) {
			return nil
		}
		return h(msg)
	}
}

// MatchesCorrelation reports whether payload[field] is the string expected.
func MatchesCorrelation(payload map[string]any, field, expected string) bool {
	if expected == "" {
		return true
	}
	v, ok := payload[field].(string)
	return ok && v == expected
}
