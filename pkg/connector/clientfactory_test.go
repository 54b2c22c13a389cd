// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"testing"
)

func TestClientFactoryFallsBackToBot(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	client, err := tc.Clients.GetClient(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if client != DiscordAPI(tc.discord) {
		t.Error("account without token should use the bot client")
	}
}

func TestClientFactoryCachesClients(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	ctx := context.Background()
	created := 0
	tc.Clients.newClient = func(token string) (DiscordAPI, error) {
		created++
		if token != "user-token" {
			t.Errorf("token: got %q", token)
		}
		return newFakeDiscord(), nil
	}
	if err := tc.DB.UserToken.Add(ctx, testSender, testUserID, "user-token"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first, err := tc.Clients.GetClient(ctx, testUserID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	second, _ := tc.Clients.GetClient(ctx, testUserID)
	if first != second || created != 1 {
		t.Errorf("clients created: %d, same client: %v", created, first == second)
	}

	tc.Clients.Forget(testUserID)
	_, _ = tc.Clients.GetClient(ctx, testUserID)
	if created != 2 {
		t.Errorf("clients created after Forget: got %d, want 2", created)
	}
}

func TestClientFactoryReportsCreateError(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	ctx := context.Background()
	tc.Clients.newClient = func(string) (DiscordAPI, error) { return nil, errors.New("bad token") }
	if err := tc.DB.UserToken.Add(ctx, testSender, testUserID, "user-token"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := tc.Clients.GetClient(ctx, testUserID); err == nil {
		t.Error("expected error from client creation")
	}
}

func TestPuppetForRequiresGuildMembership(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	ctx := context.Background()
	if err := tc.DB.UserToken.Add(ctx, testSender, "222222222222222222", "stranger-token"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, ok := tc.Clients.PuppetFor(ctx, testSender, testGuildID); ok {
		t.Error("account outside the guild should not be used")
	}

	if err := tc.DB.UserToken.Add(ctx, testSender, testUserID, "member-token"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	puppet, ok := tc.Clients.PuppetFor(ctx, testSender, testGuildID)
	if !ok || puppet.DiscordID != testUserID {
		t.Fatalf("PuppetFor: got %+v, %v", puppet, ok)
	}
	if puppet.Client == DiscordAPI(tc.discord) {
		t.Error("puppet should not be the bot client")
	}
	if _, ok := tc.Clients.PuppetFor(ctx, "@nobody:example.com", testGuildID); ok {
		t.Error("user without bindings should have no puppet")
	}
}
