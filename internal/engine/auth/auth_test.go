package auth

import (
	"errors"
	"testing"
)

func TestAllows(t *testing.T) {
	cases := []struct {
		granted []string
		perm    string
		want    bool
	}{
		{[]string{PermAll}, PermCardsWrite, true},
		{[]string{PermEventsWrite}, PermEventsWrite, true},
		{[]string{PermEventsWrite}, PermGovernorKill, false},
		{[]string{"governor.*"}, PermGovernorKill, true},
		{[]string{"governor.*"}, PermTasksRead, false},
		{nil, PermTasksRead, false},
	}
	for _, tc := range cases {
		if got := Allows(tc.granted, tc.perm); got != tc.want {
			t.Fatalf("Allows(%v, %s) = %v", tc.granted, tc.perm, got)
		}
	}
}

func TestRequire(t *testing.T) {
	err := Require([]string{PermTasksRead}, PermCardsWrite)
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != PermCardsWrite {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	perms, err := Normalize(nil)
	if err != nil || len(perms) != 1 || perms[0] != PermEventsWrite {
		t.Fatalf("default = %v %v", perms, err)
	}
	perms, err = Normalize([]string{PermTasksRead, " tasks.read ", "governor.*"})
	if err != nil || len(perms) != 2 {
		t.Fatalf("normalize = %v %v", perms, err)
	}
	if _, err := Normalize([]string{"launch.missiles"}); err == nil {
		t.Fatalf("expected unknown permission error")
	}
}
