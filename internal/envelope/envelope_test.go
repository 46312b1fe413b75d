package envelope

import (
	"errors"
	"testing"
)

func TestOK(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"code zero", `{"code":0,"data":1}`, true},
		{"code nonzero", `{"code":401,"msg":"login"}`, false},
		{"success flag wins", `{"code":1,"success":true}`, true},
		{"success false", `{"code":0,"success":false}`, false},
		{"missing code", `{"data":{}}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode[any]([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got := env.OK(); got != tc.want {
				t.Errorf("OK() for %s = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestData(t *testing.T) {
	t.Parallel()
	type upload struct {
		URL string `json:"url"`
	}

	got, err := Data[upload]([]byte(`{"code":0,"data":{"url":"http://cdn/a.jpg"}}`))
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if got.URL != "http://cdn/a.jpg" {
		t.Fatalf("url = %q", got.URL)
	}

	_, err = Data[upload]([]byte(`{"code":500,"message":"disk full"}`))
	var envErr *Error
	if !errors.As(err, &envErr) || envErr.Code != 500 || envErr.Message != "disk full" {
		t.Fatalf("error = %v, want envelope error 500", err)
	}

	if _, err := Data[upload]([]byte(`[`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
