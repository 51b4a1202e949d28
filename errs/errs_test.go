package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"binance/exchangeInfo",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid symbol"),
		WithRawCode("-1121"),
		WithRawMessage("Invalid symbol."),
		WithField("symbol", "FOOBAR"),
		WithField("endpoint", "/api/v3/exchangeInfo"),
		WithRemediation("check strategy.symbol"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=binance/exchangeInfo") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=400") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/api/v3/exchangeInfo\",symbol=\"FOOBAR\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"check strategy.symbol\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestEmptyOpAndCodeRenderUnknown(t *testing.T) {
	out := New("  ", "").Error()
	if !strings.Contains(out, "op=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown markers, got %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("paper", CodeInvalid, WithField(" ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestUnwrapAndCodeOf(t *testing.T) {
	root := errors.New("dial tcp: refused")
	err := New("binance/ws", CodeNetwork, WithCause(root))
	wrapped := fmt.Errorf("subscribe: %w", err)

	if !errors.Is(wrapped, root) {
		t.Fatal("expected root cause to be reachable through Unwrap")
	}
	if got := CodeOf(wrapped); got != CodeNetwork {
		t.Fatalf("expected network code, got %q", got)
	}
	if !Is(wrapped, CodeNetwork) {
		t.Fatal("expected Is to match network code")
	}
	if Is(errors.New("plain"), CodeNetwork) {
		t.Fatal("plain errors carry no code")
	}
	var nilErr *E
	if nilErr.Error() != "<nil>" {
		t.Fatal("expected nil receiver to render <nil>")
	}
}
