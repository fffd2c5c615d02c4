package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMoneyDisplay(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		display string
	}{
		{"USD", USD(4900), "$49.00"},
		{"EUR", EUR(19900), "€199.00"},
		{"GBP", GBP(9905), "£99.05"},
		{"JPY", JPY(100), "¥100"},
		{"Negative", USD(-250), "$-2.50"},
		{"Zero", Zero("USD"), "$0.00"},
		{"Unknown currency", Money{Amount: 1234, Currency: "chf"}, "CHF 12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.display {
				t.Errorf("got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestMoneyScale(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		ratio string
		want  Money
	}{
		{"half", USD(1000), "0.5", USD(500)},
		{"third rounds to cent", USD(1000), "0.333333", USD(333)},
		{"bankers rounding down", USD(1), "0.5", USD(0)},
		{"bankers rounding up", USD(3), "0.5", USD(2)},
		{"negative", USD(-2000), "0.25", USD(-500)},
		{"zero decimals", JPY(1000), "0.3333", JPY(333)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.money.Scale(decimal.RequireFromString(tt.ratio))
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	if got := USD(100).Add(USD(250)).Subtract(USD(50)); got != USD(300) {
		t.Errorf("got %+v, want %+v", got, USD(300))
	}
	if USD(100).Compare(USD(200)) != -1 || USD(200).Compare(USD(100)) != 1 || USD(5).Compare(USD(5)) != 0 {
		t.Error("unexpected Compare result")
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on currency mismatch")
		}
	}()
	_ = USD(100).Add(EUR(100))
}

func TestFromDecimal(t *testing.T) {
	got := FromDecimal(decimal.RequireFromString("12.349"), "USD")
	if got != USD(1234) {
		t.Errorf("got %+v, want %+v", got, USD(1234))
	}
}
