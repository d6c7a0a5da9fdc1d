package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/wallflower-bot/wallflower/internal/activemode"
	"github.com/wallflower-bot/wallflower/internal/session"
)

func TestRunControlGrantAndRevoke(t *testing.T) {
	active := activemode.New(nil)
	var out bytes.Buffer

	runControl(&out, active, 10*time.Minute, "/active group:g1")
	if !active.Active(session.ParseKey("group:g1")) {
		t.Fatal("grant not applied")
	}
	if !strings.Contains(out.String(), "active mode on for group:g1") {
		t.Errorf("grant output = %q", out.String())
	}

	out.Reset()
	runControl(&out, active, 10*time.Minute, "/status")
	if !strings.Contains(out.String(), "group:g1") {
		t.Errorf("status output = %q", out.String())
	}

	out.Reset()
	runControl(&out, active, 10*time.Minute, "/passive group:g1")
	if active.Active(session.ParseKey("group:g1")) {
		t.Error("grant still live after /passive")
	}

	out.Reset()
	runControl(&out, active, 10*time.Minute, "/passive group:g1")
	if !strings.Contains(out.String(), "no live grant") {
		t.Errorf("repeat revoke output = %q", out.String())
	}
}

func TestRunControlMinutesOverride(t *testing.T) {
	active := activemode.New(nil)
	var out bytes.Buffer

	runControl(&out, active, 10*time.Minute, "/active user:42 3")
	left, ok := active.Remaining(session.ParseKey("user:42"))
	if !ok {
		t.Fatal("grant not applied")
	}
	if left > 3*time.Minute {
		t.Errorf("remaining = %v, want at most the 3m override", left)
	}

	out.Reset()
	runControl(&out, active, 10*time.Minute, "/active user:42 zero")
	if !strings.Contains(out.String(), "bad minutes") {
		t.Errorf("bad minutes output = %q", out.String())
	}
}

func TestRunControlUnknown(t *testing.T) {
	var out bytes.Buffer
	runControl(&out, activemode.New(nil), time.Minute, "/dance")
	if !strings.Contains(out.String(), "unknown control") {
		t.Errorf("output = %q", out.String())
	}
}

func TestParseInbound(t *testing.T) {
	msg, err := parseInbound("hello there")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hello there" || msg.SenderID != "console" || msg.GroupID != "" {
		t.Errorf("plain line parsed as %+v", msg)
	}

	msg, err = parseInbound(`{"text":"hi","sender_id":"u1","group_id":"g1","sender_nickname":"Ana"}`)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hi" || msg.SenderID != "u1" || msg.GroupID != "g1" {
		t.Errorf("JSON line parsed as %+v", msg)
	}
	if msg.Platform != "console" || msg.Timestamp.IsZero() {
		t.Errorf("defaults not filled: platform=%q ts=%v", msg.Platform, msg.Timestamp)
	}

	if _, err := parseInbound(`{"text":`); err == nil {
		t.Error("truncated JSON should be an error")
	}
}
