package api

import (
	"strings"
	"testing"

	"github.com/txtgate/sms-gateway/internal/model"
)

func TestSendRequestValidate(t *testing.T) {
	cases := []struct {
		name      string
		req       SendRequest
		wantField string // "" means valid
	}{
		{
			name: "plain digits",
			req:  SendRequest{PhoneNumber: "31612345678", Message: "hello", SMSType: model.KindRegular},
		},
		{
			name: "formatted number",
			req:  SendRequest{PhoneNumber: "+31 6-1234-5678", Message: "hello", SMSType: model.KindExpress},
		},
		{
			name:      "phone too short",
			req:       SendRequest{PhoneNumber: "123456789", Message: "hello"},
			wantField: "phone_number",
		},
		{
			name:      "phone too long",
			req:       SendRequest{PhoneNumber: strings.Repeat("1", 21), Message: "hello"},
			wantField: "phone_number",
		},
		{
			name:      "phone with letters",
			req:       SendRequest{PhoneNumber: "+3161234abcd", Message: "hello"},
			wantField: "phone_number",
		},
		{
			name:      "phone only separators",
			req:       SendRequest{PhoneNumber: "+-+-+-+-+-", Message: "hello"},
			wantField: "phone_number",
		},
		{
			name:      "empty message",
			req:       SendRequest{PhoneNumber: "31612345678", Message: ""},
			wantField: "message",
		},
		{
			name:      "message too long",
			req:       SendRequest{PhoneNumber: "31612345678", Message: strings.Repeat("a", 71)},
			wantField: "message",
		},
		{
			// 70 multibyte runes is within bounds even though it is >70 bytes
			name: "message length counts runes",
			req:  SendRequest{PhoneNumber: "31612345678", Message: strings.Repeat("ü", 70)},
		},
		{
			name:      "invalid sms_type",
			req:       SendRequest{PhoneNumber: "31612345678", Message: "hello", SMSType: 9},
			wantField: "sms_type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ferr := tc.req.Validate()
			if tc.wantField == "" {
				if ferr != nil {
					t.Fatalf("expected valid, got %v", ferr)
				}
				return
			}
			if ferr == nil {
				t.Fatal("expected validation error, got nil")
			}
			if ferr.Field != tc.wantField {
				t.Fatalf("expected field %q, got %q (%s)", tc.wantField, ferr.Field, ferr.Detail)
			}
		})
	}
}

func TestSendRequestValidate_DefaultsToRegular(t *testing.T) {
	req := SendRequest{PhoneNumber: "31612345678", Message: "hello"}
	if ferr := req.Validate(); ferr != nil {
		t.Fatalf("unexpected error: %v", ferr)
	}
	if req.SMSType != model.KindRegular {
		t.Fatalf("expected default kind regular, got %d", req.SMSType)
	}
}
