package tg

import "testing"

func TestService_AllowedOnlyOperatorChat(t *testing.T) {
	cases := []struct {
		name     string
		operator int64
		chat     int64
		want     bool
	}{
		{"operator chat", -100123, -100123, true},
		{"other chat", -100123, 555, false},
		{"no operator configured", 0, 555, false},
		{"zero chat never matches", 0, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Service{operatorChat: tc.operator}
			if got := s.allowed(tc.chat); got != tc.want {
				t.Fatalf("allowed(%d) = %v, want %v", tc.chat, got, tc.want)
			}
		})
	}
}
