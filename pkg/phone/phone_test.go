package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "trunk prefix replaced", input: "89991234567", want: "+79991234567"},
		{name: "formatted trunk number", input: "8 (999) 123-45-67", want: "+79991234567"},
		{name: "bare mobile number", input: "9991234567", want: "+79991234567"},
		{name: "already international", input: "+7 999 123 45 67", want: "+79991234567"},
		{name: "country code without plus", input: "79991234567", want: "+79991234567"},
		{name: "other ten digit number", input: "1234567890", want: "+1234567890"},
		{name: "leading zero kept", input: "0987654321", want: "+0987654321"},
		{name: "foreign number", input: "+44 20 7946 0958", want: "+442079460958"},
		{name: "no digits", input: "invalid", wantErr: ErrInvalidNumber},
		{name: "empty", input: "", wantErr: ErrInvalidNumber},
		{name: "too long", input: "1234567890123456", wantErr: ErrInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"89991234567",
		"9991234567",
		"+79991234567",
		"1234567890",
		"0987654321",
		"+1 (555) 010-9999",
		"8-800-555-35-35",
		"12",
		"invalid",
		"",
	}

	for _, in := range inputs {
		first, err := Normalize(in)
		if err != nil {
			// invalid input stays invalid
			if _, err2 := Normalize(first); !errors.Is(err2, ErrInvalidNumber) {
				t.Errorf("Normalize(Normalize(%q)) error = %v, want ErrInvalidNumber", in, err2)
			}
			continue
		}
		second, err := Normalize(first)
		if err != nil {
			t.Fatalf("Normalize(%q) unexpected error on second pass: %v", first, err)
		}
		if first != second {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, first, second)
		}
	}
}

func TestNormalize_NationalFormsConverge(t *testing.T) {
	forms := []string{"89161234567", "9161234567", "79161234567", "+7 916 123-45-67"}
	want := "+79161234567"
	for _, f := range forms {
		got, err := Normalize(f)
		if err != nil {
			t.Fatalf("Normalize(%q) unexpected error: %v", f, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", f, got, want)
		}
	}
}

func TestRules_CustomCountry(t *testing.T) {
	r := Rules{CountryCode: "380", TrunkPrefix: "0", NationalLength: 9}
	got, err := r.Normalize("050 123 4567")
	if err != nil {
		t.Fatalf("Normalize unexpected error: %v", err)
	}
	if got != "+380501234567" {
		t.Errorf("Normalize = %q, want %q", got, "+380501234567")
	}
}

func TestDigits(t *testing.T) {
	if got := Digits("+7 (999) 12-3"); got != "7999123" {
		t.Errorf("Digits = %q, want %q", got, "7999123")
	}
	if HasDigits("abc") {
		t.Error("HasDigits(\"abc\") = true, want false")
	}
}
