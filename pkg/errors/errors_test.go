// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		stage     Stage
		sessionID string
		source    string
		err       error
		wantNil   bool
		wantText  string
	}{
		{
			name:    "nil error",
			stage:   StageDial,
			err:     nil,
			wantNil: true,
		},
		{
			name:      "with session",
			stage:     StageHandshake,
			sessionID: "abc",
			source:    "127.0.0.1:5000",
			err:       ErrHandshake,
			wantText:  "handshake [abc] 127.0.0.1:5000: tls handshake failed",
		},
		{
			name:     "without session",
			stage:    StageDial,
			source:   "127.0.0.1:5000",
			err:      io.EOF,
			wantText: "dial 127.0.0.1:5000: EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.stage, tt.sessionID, tt.source, tt.err)
			if tt.wantNil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if err.Error() != tt.wantText {
				t.Errorf("expected %q, got %q", tt.wantText, err.Error())
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("expected error to wrap %v", tt.err)
			}
			if got := StageOf(err); got != tt.stage {
				t.Errorf("expected stage %q, got %q", tt.stage, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ignored") != nil {
		t.Error("expected nil for nil error")
	}

	err := Wrap(New(StageRelay, "s1", "src", ErrRelay), "outer")
	if !strings.HasPrefix(err.Error(), "outer: ") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, ErrRelay) {
		t.Error("expected wrapped error to match ErrRelay")
	}
	if StageOf(err) != StageRelay {
		t.Errorf("expected stage to survive wrapping, got %q", StageOf(err))
	}
	if StageOf(io.EOF) != "" {
		t.Error("expected empty stage for plain error")
	}
}
