package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"nonsense", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}
	for _, tt := range tests {
		if got := New(tt.in, "json").GetLevel(); got != tt.want {
			t.Errorf("New(%q).GetLevel() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_Formatter(t *testing.T) {
	if _, ok := New("info", "text").Formatter.(*logrus.TextFormatter); !ok {
		t.Error("expected text formatter")
	}
	if _, ok := New("info", "json").Formatter.(*logrus.JSONFormatter); !ok {
		t.Error("expected json formatter")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	l := New("info", "json")
	if OrDiscard(l) != l {
		t.Error("OrDiscard should return the given logger")
	}
}
