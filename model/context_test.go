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
		{name: "valid context", rc: &RequestContext{OrganizationID: "org-1", UserID: "user-1"}},
		{name: "missing OrganizationID", rc: &RequestContext{UserID: "user-1"}, wantErr: true},
		{name: "missing UserID", rc: &RequestContext{OrganizationID: "org-1"}, wantErr: true},
		{name: "missing both", rc: &RequestContext{}, wantErr: true},
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

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{OrganizationID: "org-1", UserID: "user-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
