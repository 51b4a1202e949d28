package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by amadeus instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrEventType   = attribute.Key("event.type")
	AttrSymbol      = attribute.Key("symbol")
	AttrSide        = attribute.Key("side")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrReason      = attribute.Key("reason")
	AttrGuard       = attribute.Key("risk.guard")
)

// EventAttributes returns common attributes for broadcast event metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// OrderAttributes returns attributes for paper order lifecycle metrics.
func OrderAttributes(environment, symbol, side, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSymbol.String(symbol),
		AttrSide.String(side),
		AttrResult.String(result),
	}
}

// GuardAttributes returns attributes for risk denial metrics.
func GuardAttributes(environment, guard, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrGuard.String(guard),
		AttrSymbol.String(symbol),
	}
}
