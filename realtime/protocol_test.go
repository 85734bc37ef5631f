package realtime_test

import (
	"errors"
	"testing"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/realtime"
)

func TestParseControl(t *testing.T) {
	t.Parallel()
	msg, err := realtime.ParseControl([]byte(`{"method":"SUBSCRIBE","params":["PUBLIC:complaints","inc-3"]}`))
	if err != nil {
		t.Fatalf("ParseControl() error = %v", err)
	}
	if msg.Method != realtime.MethodSubscribe || len(msg.Params) != 2 || msg.Params[1] != "inc-3" {
		t.Fatalf("ParseControl() = %+v", msg)
	}
	if !msg.Method.Known() || realtime.Method("PING").Known() {
		t.Fatal("Known() misclassifies methods")
	}
	if _, err := realtime.ParseControl([]byte(`{"method":`)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		role    events.Role
		userID  string
		hint    string
		want    string
		wantErr error
	}{
		{name: "own topic", role: events.RoleComplainant, userID: "u-1", want: "USER:u-1"},
		{name: "bare key scoped to role", role: events.RoleIssueIncharge, userID: "inc-3", hint: "inc-3", want: "ISSUE_INCHARGE:inc-3"},
		{name: "public feed", role: events.RoleComplainant, userID: "u-1", hint: events.PublicTopic, want: events.PublicTopic},
		{name: "qualified topic", role: events.RoleIssueIncharge, userID: "inc-3", hint: "RESOLVER:res-1", want: "RESOLVER:res-1"},
		{name: "system topic", role: events.RoleIssueIncharge, userID: "inc-3", hint: events.EscalationDueTopic, wantErr: realtime.ErrUnknownTopic},
		{name: "empty key", role: events.RoleComplainant, userID: "u-1", hint: "USER:", wantErr: realtime.ErrUnknownTopic},
		{name: "unknown role", role: "ADMIN", userID: "u-1", wantErr: realtime.ErrUnknownRole},
		{name: "own topic without user", role: events.RoleComplainant, wantErr: realtime.ErrUnknownTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := realtime.Derive(tt.role, tt.userID, tt.hint)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Derive() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Derive() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Derive() = %q, want %q", got, tt.want)
			}
		})
	}
}
