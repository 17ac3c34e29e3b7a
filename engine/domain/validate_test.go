package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeAddress_Valid(t *testing.T) {
	got, err := NormalizeAddress(Address{City: "  Springfield ", StreetName: "Main   St", StreetNumber: " 12 "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Address{City: "Springfield", StreetName: "Main St", StreetNumber: "12"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Full() != "12 Main St, Springfield" {
		t.Fatalf("unexpected full address %q", got.Full())
	}
}

func TestNormalizeAddress_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		addr  Address
		field string
		want  error
	}{
		{"blank city", Address{City: "   ", StreetName: "Main", StreetNumber: "1"}, "city", ErrBlank},
		{"blank street", Address{City: "X", StreetName: "", StreetNumber: "1"}, "street_name", ErrBlank},
		{"blank number", Address{City: "X", StreetName: "Main", StreetNumber: "\t"}, "street_number", ErrBlank},
		{"long city", Address{City: strings.Repeat("a", MaxCityLen+1), StreetName: "Main", StreetNumber: "1"}, "city", ErrTooLong},
		{"long number", Address{City: "X", StreetName: "Main", StreetNumber: strings.Repeat("9", MaxStreetNumberLen+1)}, "street_number", ErrTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeAddress(tt.addr)
			if !errors.Is(err, InvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestValidateImage(t *testing.T) {
	mt, err := ValidateImage(pngHeader, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mt != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", mt)
	}

	mt, err = ValidateImage([]byte("anything"), "image/jpeg; charset=binary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mt != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", mt)
	}
}

func TestValidateImage_Rejects(t *testing.T) {
	if _, err := ValidateImage(nil, "image/png"); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := ValidateImage([]byte("plain text body"), ""); !errors.Is(err, ErrNotAnImage) {
		t.Errorf("expected ErrNotAnImage, got %v", err)
	}
	big := make([]byte, MaxImageBytes+1)
	if _, err := ValidateImage(big, "image/png"); !errors.Is(err, ErrImageSize) {
		t.Errorf("expected ErrImageSize, got %v", err)
	}
}

func TestNormalizeQuestion(t *testing.T) {
	q, err := NormalizeQuestion("  what was   the last reading?  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q != "what was the last reading?" {
		t.Fatalf("unexpected question %q", q)
	}
	if _, err := NormalizeQuestion(" \n "); !errors.Is(err, InvalidInput) {
		t.Errorf("expected InvalidInput for blank, got %v", err)
	}
	if _, err := NormalizeQuestion(strings.Repeat("x", MaxQuestionLen+1)); !errors.Is(err, ErrTooLong) {
		t.Errorf("expected ErrTooLong, got %v", err)
	}
}
