// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

// syncpad is a headless reference client: it joins a room over a
// relay, mirrors the shared document, and maps stdin lines onto the
// engine's surface. Useful for soak-testing a relay and for driving
// rooms from scripts.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/syncpad-foundation/syncpad/authority"
	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/lib/clock"
	"github.com/syncpad-foundation/syncpad/lib/config"
	"github.com/syncpad-foundation/syncpad/session"
	"github.com/syncpad-foundation/syncpad/signal"
)

type cliIdentity string

func (i cliIdentity) UserID() string { return string(i) }

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("syncpad", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	relayURL := flags.String("relay", "", "relay websocket URL (overrides config)")
	roomID := flags.String("room", "", "room identifier")
	userID := flags.String("user", "", "user identifier, empty for anonymous")
	displayName := flags.String("name", "", "display name (overrides config)")
	keyBase64 := flags.String("key", "", "room key from the invite, base64")
	create := flags.Bool("create", false, "register the room with this user as creator")
	maxPeers := flags.Int("max-peers", 0, "room capacity when creating (overrides config)")
	logLevel := flags.String("log-level", "", "debug, info, warn, or error (overrides config)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "syncpad: %v\n", err)
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncpad: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *relayURL != "" {
		cfg.Relay.URL = *relayURL
	}
	if *displayName != "" {
		cfg.Session.DisplayName = *displayName
	}
	if *maxPeers != 0 {
		cfg.Session.DefaultMaxPeers = *maxPeers
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "syncpad: %v\n", err)
		return 1
	}
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "syncpad: --room is required")
		return 2
	}

	log := config.NewLogger(cfg.Log)

	var key *crypto.Key
	if *keyBase64 != "" {
		imported, err := crypto.ImportKeyBase64(*keyBase64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncpad: importing room key: %v\n", err)
			return 1
		}
		key = imported
	}

	// The reference client runs against in-process authority stores;
	// a deployment wires its account service here instead.
	rooms := authority.NewMemoryRoomStore()
	perms := authority.NewMemoryPermissionStore()
	meta := authority.RoomMeta{MaxPeersTier: cfg.Session.DefaultMaxPeers}
	if *create {
		meta.CreatorUserID = *userID
	}
	rooms.Put(*roomID, meta)
	perms.SetGrants(*roomID, []authority.Grant{
		{Audience: authority.AudienceGuests, Capabilities: authority.Capabilities{Edit: true, Chat: true}},
	})

	ctx := context.Background()
	bus, err := signal.DialWebSocket(ctx, cfg.Relay.URL, *roomID, clock.Real(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncpad: %v\n", err)
		return 1
	}

	sess := session.New(session.Config{
		RoomID:          *roomID,
		Bus:             bus,
		Rooms:           rooms,
		Perms:           perms,
		Identity:        cliIdentity(*userID),
		Key:             key,
		DefaultMaxPeers: cfg.Session.DefaultMaxPeers,
		ICEServers:      cfg.Session.ICEServers,
		DisplayName:     cfg.Session.DisplayName,
		Color:           cfg.Session.Color,
		Logger:          log,
	})
	defer sess.Leave(ctx)

	sess.OnStatusChange(func(status session.Status) {
		fmt.Printf("* status: %s\n", status)
	})
	sess.OnChatMessage(func(msg session.ChatMessage) {
		fmt.Printf("<%s> %s\n", shortPeer(msg.From), msg.Text)
	})
	sess.OnTyping(func(peerID string, typing bool) {
		if typing {
			fmt.Printf("* %s is typing\n", shortPeer(peerID))
		}
	})

	if err := sess.Join(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "syncpad: joining room: %v\n", err)
		return 1
	}
	fmt.Printf("* joined %s as %s\n", *roomID, shortPeer(sess.PeerID()))

	return repl(ctx, sess)
}

// repl maps stdin lines onto the session surface. A plain line appends
// to the document; slash commands reach the rest of the API.
func repl(ctx context.Context, sess *session.Session) int {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := sess.SetText(sess.Text() + line + "\n"); err != nil {
				fmt.Fprintf(os.Stderr, "edit: %v\n", err)
			}
			continue
		}

		command, rest, _ := strings.Cut(line[1:], " ")
		var err error
		switch command {
		case "chat":
			err = sess.SendChatMessage(rest)
		case "set":
			err = sess.SetText(rest)
		case "show":
			fmt.Println(sess.Text())
		case "peers":
			for peerID, state := range sess.ActivePeers() {
				fmt.Printf("  %s  %s\n", shortPeer(peerID), state.DisplayName)
			}
		case "cursor":
			var x, y float64
			if x, y, err = parseCursor(rest); err == nil {
				err = sess.SetCursorPosition(x, y)
			}
		case "status":
			diags := sess.ConnectionDiagnostics()
			fmt.Printf("  status=%s mode=%s host=%s\n", diags.Status, diags.Mode, shortPeer(diags.HostPeer))
			for _, link := range diags.Links {
				fmt.Printf("  %s  %s restarts=%d\n", shortPeer(link.PeerID), link.State, link.RestartAttempts)
			}
		case "rotate":
			err = sess.RotateEncryptionKey()
		case "lock":
			err = sess.UpdateRoomLock(ctx, true)
		case "unlock":
			err = sess.UpdateRoomLock(ctx, false)
		case "kick":
			err = sess.KickPeer(rest)
		case "export":
			var snapshot []byte
			if snapshot, err = sess.ExportSnapshot(); err == nil {
				err = os.WriteFile(rest, snapshot, 0o600)
			}
		case "import":
			var snapshot []byte
			if snapshot, err = os.ReadFile(rest); err == nil {
				err = sess.ImportSnapshot(snapshot)
			}
		case "quit":
			return 0
		default:
			fmt.Fprintf(os.Stderr, "unknown command /%s\n", command)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "/%s: %v\n", command, err)
		}
	}
	return 0
}

func parseCursor(rest string) (float64, float64, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("usage: /cursor <x> <y>")
	}
	x, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// shortPeer truncates a peer uuid for display.
func shortPeer(peerID string) string {
	if len(peerID) > 8 {
		return peerID[:8]
	}
	return peerID
}
