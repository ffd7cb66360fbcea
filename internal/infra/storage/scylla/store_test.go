package scylla

import (
	"errors"
	"strings"
	"testing"

	domainchat "resortchat/internal/domain/chat"
	"resortchat/internal/infra/config"
)

func TestNewSessionRejectsBadKeyspace(t *testing.T) {
	_, err := NewSession(config.Config{ScyllaKeyspace: "chat; DROP", ScyllaHosts: []string{"127.0.0.1"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid keyspace") {
		t.Fatalf("expected keyspace error, got %v", err)
	}
}

func TestSchemaIsKeyspaceQualified(t *testing.T) {
	for _, cql := range schema("chatks") {
		if !strings.Contains(cql, "chatks.") {
			t.Fatalf("statement not qualified: %s", cql)
		}
	}
}

func TestUnreadColumn(t *testing.T) {
	if col, _ := unreadColumn(domainchat.RoleOwner); col != "unread_owner" {
		t.Fatalf("unexpected column %q", col)
	}
	if _, err := unreadColumn("admin"); !errors.Is(err, domainchat.ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if clampCounter(-3) != 0 {
		t.Fatalf("negative counters must clamp to zero")
	}
}

func TestStoreWithoutSession(t *testing.T) {
	s := NewStore(nil, nil)
	if _, err := s.Chat(t.Context(), "c1"); !errors.Is(err, errNoSession) {
		t.Fatalf("expected session error, got %v", err)
	}
}
