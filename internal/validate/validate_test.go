package validate

import (
	"errors"
	"testing"

	"draftline/internal/domain"
)

type request struct {
	Name  string   `json:"name" validate:"required"`
	Items []string `json:"items" validate:"required,min=1,max=2"`
	Kind  string   `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	err := Struct(request{Name: "x", Items: []string{"1", "2", "3"}})
	var ie *domain.InvalidInputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
	if ie.Field != "items" || ie.Message != "must contain at most 2 item(s)" {
		t.Fatalf("unexpected error %+v", ie)
	}
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput")
	}
	if err := Struct(request{Name: "x", Items: []string{"1"}, Kind: "b"}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	err = Struct(request{Name: "x", Items: []string{"1"}, Kind: "c"})
	if !errors.As(err, &ie) || ie.Field != "kind" {
		t.Fatalf("expected kind error, got %v", err)
	}
}
