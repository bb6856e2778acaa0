package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{name: "valid context", rc: &RequestContext{SubjectID: "user-1"}},
		{name: "missing SubjectID", rc: &RequestContext{Email: "a@example.com"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{RoleCitizen, RoleOfficial}}
	if !rc.HasRole(RoleOfficial) {
		t.Error("HasRole(official) = false, want true")
	}
	if rc.HasRole(RoleAdmin) {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"email_verified": true}}
	if v, _ := rc.Claim("email_verified").(bool); !v {
		t.Error("Claim(email_verified) = false, want true")
	}
	if rc.Claim("missing") != nil {
		t.Error("Claim(missing) should be nil")
	}

	empty := &RequestContext{}
	if empty.Claim("anything") != nil {
		t.Error("Claim on nil map should be nil")
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1", CorrelationID: "corr-1"}
	ctx := WithRequestContext(context.Background(), rc)

	got := RequestContextFrom(ctx)
	if got != rc {
		t.Fatalf("RequestContextFrom() = %p, want %p", got, rc)
	}
	if RequestContextFrom(context.Background()) != nil {
		t.Error("RequestContextFrom(empty) should be nil")
	}
}
